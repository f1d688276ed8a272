package engine

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opsrun/task-debugger/debugger"
	e "github.com/opsrun/task-debugger/error"
	"github.com/opsrun/task-debugger/utils/gosync"
)

// Runner executes a playbook host by host while reporting every task
// boundary to the debug state, so a connected client can inspect and
// steer the run.
type Runner struct {
	session *debugger.Session
	state   *DebugState
	templar *Templar

	playbook *Playbook
	hosts    []*Host
}

func NewRunner(session *debugger.Session, playbook *Playbook, hosts []*Host) *Runner {
	return &Runner{
		session:  session,
		state:    NewDebugState(session),
		templar:  NewTemplar(),
		playbook: playbook,
		hosts:    hosts,
	}
}

// Run drives the whole playbook. The debug backend is registered for the
// duration of the run and the runner waits for the client handshake
// before the first task, continuing without a client on timeout.
func (r *Runner) Run(configTimeout time.Duration) error {
	if err := r.session.Register(r.state); err != nil {
		return err
	}
	defer r.session.Unregister()
	defer r.state.Cleanup()

	for _, play := range r.playbook.Plays {
		r.state.RegisterBlocks(play.Blocks...)
	}

	if err := r.session.WaitForConfigDone(configTimeout); err != nil {
		logrus.Warnf("[Runner] no client configuration within %s, running without one: %v", configTimeout, err)
	}

	for _, play := range r.playbook.Plays {
		if err := r.runPlay(play); err != nil {
			return err
		}
	}
	return nil
}

// runPlay runs one play on every matching host in parallel, one execution
// goroutine per host.
func (r *Runner) runPlay(play *Play) error {
	hosts := r.selectHosts(play)
	if len(hosts) == 0 {
		logrus.Warnf("[Runner] play %q matched no hosts", play.Name)
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, len(hosts))
	for i, host := range hosts {
		wg.Add(1)
		i, host := i, host
		gosync.Go(context.Background(), func(ctx context.Context) {
			defer wg.Done()
			errs[i] = r.runHost(play, host)
		})
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) selectHosts(play *Play) []*Host {
	var selected []*Host
	for _, pattern := range play.Hosts {
		for _, host := range r.hosts {
			if pattern == "all" || pattern == host.Name {
				selected = append(selected, host)
			}
		}
	}
	return selected
}

func (r *Runner) runHost(play *Play, host *Host) error {
	thread := r.state.AddThread(host)
	defer r.state.RemoveThread(thread.ID, true)

	for _, block := range play.Blocks {
		if err := r.runBlock(block, host); err != nil {
			return err
		}
	}
	return nil
}

// runBlock runs the block's tasks, diverting to the rescue section on the
// first failure and running the always section either way.
func (r *Runner) runBlock(block *Block, host *Host) error {
	err := r.runTasks(block.Tasks, host)
	if err != nil && len(block.Rescue) > 0 {
		logrus.Infof("[Runner] host %s entering rescue for error: %v", host.Name, err)
		err = r.runTasks(block.Rescue, host)
	}
	if alwaysErr := r.runTasks(block.Always, host); alwaysErr != nil && err == nil {
		err = alwaysErr
	}
	return err
}

func (r *Runner) runTasks(tasks []*Task, host *Host) error {
	for _, task := range tasks {
		if err := r.runTask(task, host); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) runTask(task *Task, host *Host) error {
	taskVars := r.buildTaskVars(host)

	if task.IsInclude() {
		return r.runInclude(task, host, taskVars)
	}

	r.state.ProcessTask(host, task, taskVars)
	defer r.state.ProcessTaskResult(host, task)

	args := r.templar.TemplateArgs(task.Args, taskVars)
	result, err := r.executeAction(task, args, host)
	if err != nil {
		return fmt.Errorf("task %q on %s: %w", task.Name, host.Name, err)
	}
	logrus.Debugf("[Runner] host %s task %q => %v", host.Name, task.Name, result)
	return nil
}

// runInclude loads the referenced task file, wires its lines into the
// breakpoint registry and runs its tasks underneath the include task.
func (r *Runner) runInclude(task *Task, host *Host, taskVars map[string]any) error {
	r.state.ProcessTask(host, task, taskVars)
	r.state.ProcessTaskResult(host, task)

	file, _ := task.Args["file"].(string)
	if file == "" {
		return fmt.Errorf("include task %q: %w", task.Name, e.ErrMissingIncludeFile)
	}
	if templated, err := r.templar.TemplateString(file, taskVars); err == nil {
		if str, ok := templated.(string); ok {
			file = str
		}
	}
	if !filepath.IsAbs(file) {
		file = filepath.Join(filepath.Dir(r.playbook.Path), file)
	}

	blocks, err := LoadTaskFile(file, task)
	if err != nil {
		return fmt.Errorf("include task %q: %w", task.Name, err)
	}
	r.state.RegisterBlocks(blocks...)

	for _, block := range blocks {
		if err := r.runBlock(block, host); err != nil {
			return err
		}
	}
	return nil
}

// executeAction runs one of the built-in modules. The set is small on
// purpose, the runner exists to exercise the protocol surface.
func (r *Runner) executeAction(task *Task, args map[string]any, host *Host) (map[string]any, error) {
	switch task.Action {
	case "ping":
		return map[string]any{"ping": "pong"}, nil
	case "debug":
		msg := "Hello world!"
		if raw, ok := args["msg"]; ok {
			msg = formatValue(raw)
		}
		logrus.Infof("[Runner] %s | %s: %s", host.Name, task.Name, msg)
		return map[string]any{"msg": msg}, nil
	case "set_fact":
		for key, value := range args {
			host.SetVar(key, value)
		}
		return map[string]any{"facts": args}, nil
	case "command":
		cmdline, _ := args["cmd"].(string)
		if cmdline == "" {
			return nil, e.ErrMissingCommand
		}
		fields := strings.Fields(cmdline)
		out, err := exec.Command(fields[0], fields[1:]...).CombinedOutput()
		if err != nil {
			return nil, fmt.Errorf("command %q: %w: %s", cmdline, err, out)
		}
		return map[string]any{"stdout": strings.TrimSpace(string(out))}, nil
	case "fail":
		msg := "Failed as requested"
		if raw, ok := args["msg"].(string); ok {
			msg = raw
		}
		return nil, fmt.Errorf("%w: %s", e.ErrTaskFailed, msg)
	default:
		return nil, fmt.Errorf("%w: %s", e.ErrUnknownAction, task.Action)
	}
}

// buildTaskVars snapshots the variables visible to one task execution.
func (r *Runner) buildTaskVars(host *Host) map[string]any {
	hostvars := make(map[string]any, len(r.hosts))
	for _, other := range r.hosts {
		hostvars[other.Name] = other.VarsSnapshot()
	}

	own := host.VarsSnapshot()
	taskVars := make(map[string]any, len(own)+3)
	for key, value := range own {
		taskVars[key] = value
	}
	taskVars["inventory_hostname"] = host.Name
	taskVars["hostvars"] = hostvars
	taskVars["omit"] = OmitValue
	return taskVars
}
