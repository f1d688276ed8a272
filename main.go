package main

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opsrun/task-debugger/constants"
	"github.com/opsrun/task-debugger/debugger"
	"github.com/opsrun/task-debugger/engine"
)

const Version = "1.0.0"

func main() {
	showVersion := flag.Bool("version", false, "Show the version number")
	playbookPath := flag.String("playbook", "", "Playbook file to run")
	inventory := flag.String("inventory", "localhost", "Comma-separated host names")
	mode := flag.String("mode", "listen", "Socket mode: listen or connect")
	addr := flag.String("addr", "127.0.0.1:0", "Address to listen on or connect to")
	acceptTimeout := flag.Duration("accept-timeout", 30*time.Second, "How long to wait for the client connection")
	configTimeout := flag.Duration("config-timeout", 10*time.Second, "How long to wait for the client configuration")
	logPath := flag.String("log", "", "Log file path, defaults to stderr")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Version: %s\n", Version)
		return
	}

	SetupLogger(*logPath, *verbose)
	defer CloseLogger()

	if *playbookPath == "" {
		fmt.Println("playbook cannot be empty")
		return
	}

	socketMode := constants.ModeListen
	if *mode == string(constants.ModeConnect) {
		socketMode = constants.ModeConnect
	} else if *mode != string(constants.ModeListen) {
		fmt.Printf("unknown mode %q, expected listen or connect\n", *mode)
		return
	}

	playbook, err := engine.LoadPlaybook(*playbookPath)
	if err != nil {
		logrus.Errorf("[Main] load playbook fail, err = %v", err)
		return
	}

	var hosts []*engine.Host
	for _, name := range strings.Split(*inventory, ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			hosts = append(hosts, engine.NewHost(name))
		}
	}

	session := debugger.NewSession()
	if err := session.Start(*addr, socketMode, *acceptTimeout); err != nil {
		logrus.Errorf("[Main] start debug session fail, err = %v", err)
		return
	}
	defer session.Shutdown()

	runner := engine.NewRunner(session, playbook, hosts)
	if err := runner.Run(*configTimeout); err != nil {
		logrus.Errorf("[Main] run playbook fail, err = %v", err)
		return
	}
	logrus.Infof("[Main] playbook %s finished", playbook.Path)
}
