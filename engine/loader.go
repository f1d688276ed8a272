package engine

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadPlaybook parses a playbook file: a YAML sequence of plays, each with
// a name, a host pattern list and a task list. Per-node line numbers are
// kept so the breakpoint registry can learn which lines are executable.
func LoadPlaybook(path string) (*Playbook, error) {
	root, err := loadYAMLFile(path)
	if err != nil {
		return nil, err
	}
	if root.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("playbook %s: expected a sequence of plays", path)
	}

	playbook := &Playbook{Path: path}
	for _, playNode := range root.Content {
		if playNode.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("playbook %s:%d: play must be a mapping", path, playNode.Line)
		}
		play := &Play{}
		for key, value := range mappingEntries(playNode) {
			switch key.Value {
			case "name":
				play.Name = value.Value
			case "hosts":
				hosts, err := stringList(value)
				if err != nil {
					return nil, fmt.Errorf("playbook %s:%d: %w", path, value.Line, err)
				}
				play.Hosts = hosts
			case "tasks":
				block := newBlock(nil)
				block.File = path
				if err := parseTaskList(value, block, path); err != nil {
					return nil, err
				}
				play.Blocks = append(play.Blocks, block)
			default:
				return nil, fmt.Errorf("playbook %s:%d: unknown play keyword %q", path, key.Line, key.Value)
			}
		}
		playbook.Plays = append(playbook.Plays, play)
	}
	return playbook, nil
}

// LoadTaskFile parses a file referenced by an include task. The returned
// block's parent chain points at the including task so stepping semantics
// see the nesting.
func LoadTaskFile(path string, parent *Task) ([]*Block, error) {
	root, err := loadYAMLFile(path)
	if err != nil {
		return nil, err
	}
	if root.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("task file %s: expected a sequence of tasks", path)
	}

	block := newBlock(nil)
	if parent != nil {
		block.parent = parent
	}
	block.File = path
	if err := parseTaskList(root, block, path); err != nil {
		return nil, err
	}
	return []*Block{block}, nil
}

func loadYAMLFile(path string) (*yaml.Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, fmt.Errorf("parse %s: empty document", path)
	}
	return doc.Content[0], nil
}

// parseTaskList fills block from a YAML task sequence. Explicit `block:`
// entries become nested blocks whose tasks are spliced into the parent's
// execution order while keeping their own parent chain.
func parseTaskList(node *yaml.Node, block *Block, path string) error {
	if node.Kind != yaml.SequenceNode {
		return fmt.Errorf("%s:%d: expected a task sequence", path, node.Line)
	}
	for _, entry := range node.Content {
		if entry.Kind != yaml.MappingNode {
			return fmt.Errorf("%s:%d: task must be a mapping", path, entry.Line)
		}
		if hasKey(entry, "block") {
			nested, err := parseBlockEntry(entry, block, path)
			if err != nil {
				return err
			}
			block.Blocks = append(block.Blocks, nested)
			block.Tasks = append(block.Tasks, nested.AllTasks()...)
			continue
		}
		task, err := parseTask(entry, block, path)
		if err != nil {
			return err
		}
		block.Tasks = append(block.Tasks, task)
	}
	return nil
}

func parseBlockEntry(node *yaml.Node, parent *Block, path string) (*Block, error) {
	nested := newBlock(parent)
	nested.File = path
	nested.Line = node.Line
	for key, value := range mappingEntries(node) {
		switch key.Value {
		case "name":
			// block names carry no debug meaning
		case "block":
			if err := parseTaskList(value, nested, path); err != nil {
				return nil, err
			}
		case "rescue", "always":
			section := newBlock(nested)
			section.File = path
			if err := parseTaskList(value, section, path); err != nil {
				return nil, err
			}
			if key.Value == "rescue" {
				nested.Rescue = section.Tasks
			} else {
				nested.Always = section.Tasks
			}
		default:
			return nil, fmt.Errorf("%s:%d: unknown block keyword %q", path, key.Line, key.Value)
		}
	}
	return nested, nil
}

func parseTask(node *yaml.Node, parent *Block, path string) (*Task, error) {
	task := newTask(parent)
	task.File = path
	task.Line = node.Line

	for key, value := range mappingEntries(node) {
		switch key.Value {
		case "name":
			task.Name = value.Value
		case "action":
			task.Action = value.Value
		case "args":
			args := map[string]any{}
			if err := value.Decode(&args); err != nil {
				return nil, fmt.Errorf("%s:%d: %w", path, value.Line, err)
			}
			task.Args = args
		case "include_tasks", "import_tasks", "include_role":
			task.Action = key.Value
			task.Args["file"] = value.Value
		default:
			return nil, fmt.Errorf("%s:%d: unknown task keyword %q", path, key.Line, key.Value)
		}
	}
	if task.Name == "" {
		task.Name = task.Action
	}
	if task.Action == "" {
		return nil, fmt.Errorf("%s:%d: task has no action", path, node.Line)
	}
	return task, nil
}

// mappingEntries iterates a YAML mapping's key/value node pairs.
func mappingEntries(node *yaml.Node) func(func(*yaml.Node, *yaml.Node) bool) {
	return func(yield func(*yaml.Node, *yaml.Node) bool) {
		for i := 0; i+1 < len(node.Content); i += 2 {
			if !yield(node.Content[i], node.Content[i+1]) {
				return
			}
		}
	}
}

func hasKey(node *yaml.Node, name string) bool {
	for key := range mappingEntries(node) {
		if key.Value == name {
			return true
		}
	}
	return false
}

func stringList(node *yaml.Node) ([]string, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		return []string{node.Value}, nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return nil, err
		}
		return list, nil
	default:
		return nil, fmt.Errorf("expected a host name or list of host names")
	}
}
