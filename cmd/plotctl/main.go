// Command plotctl is the operator console for plotterd. It reads commands from
// stdin, sends them over IPC and prints drawn points and job results as the
// host reports them.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/shlex"

	"plotter/internal/ipc"
	"plotter/internal/logging"
	"plotter/pkg/types"
)

const usage = `commands:
  move X Y                  move the head to a workspace point
  angles A1 A2              move both motors to explicit angles
  draw FILE [RES] [MODE]    draw a G-code file (MODE: sequential | batched)
  cancel                    cancel the running job
  status                    show the current job
  where                     show the current joint angles
  reset                     return both arms to angle 0
  zero                      declare the current position as zero
  speed RPM                 set motor speed
  calibrate A1 A2           tell the device where the arms are
  raw TEXT...               send a line to the device as is
  !!                        repeat the last raw line
  get_config [SECTION]      show the active configuration
  log LEVEL                 change the host log level
  help                      show this text
  quit                      leave the console`

type Console struct {
	client  *ipc.IPCClient
	timeout time.Duration
	quiet   bool
	lastRaw string
}

func NewConsole(config types.IPCConfig, quiet bool) *Console {
	return &Console{
		client:  ipc.NewIPCClient(config),
		timeout: config.Timeout,
		quiet:   quiet,
	}
}

func (c *Console) Start() error {
	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("failed to connect to plotterd: %w", err)
	}
	go c.printNotifications()
	return nil
}

func (c *Console) Stop() error {
	return c.client.Disconnect()
}

func (c *Console) printNotifications() {
	for message := range c.client.Receive() {
		switch message.Type {
		case types.MsgDrawnPoint:
			if !c.quiet {
				fmt.Printf("  point %v: (%v, %v)\n", message.Data["seq"], message.Data["x"], message.Data["y"])
			}
		case types.MsgJobFinished:
			line := fmt.Sprintf("job %v %v, %v points sent", message.Data["job_id"], message.Data["status"], message.Data["sent"])
			if e, ok := message.Data["error"]; ok {
				line += fmt.Sprintf(": %v", e)
			}
			fmt.Println(line)
		}
	}
}

// Run reads commands until quit or end of input.
func (c *Console) Run() error {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			quit, err := c.execute(line)
			if err != nil {
				fmt.Println("error:", err)
			}
			if quit {
				return nil
			}
		}
		if !c.client.Connected() {
			return errors.New("connection to plotterd lost")
		}
		fmt.Print("> ")
	}
	return scanner.Err()
}

func (c *Console) execute(line string) (bool, error) {
	if line == "!!" {
		if c.lastRaw == "" {
			return false, errors.New("no previous raw line")
		}
		return false, c.request(types.CmdRawCommand, map[string]interface{}{"line": c.lastRaw})
	}

	// raw keeps the rest of the line untouched
	if rest, ok := strings.CutPrefix(line, "raw "); ok {
		c.lastRaw = strings.TrimSpace(rest)
		return false, c.request(types.CmdRawCommand, map[string]interface{}{"line": c.lastRaw})
	}

	args, err := shlex.Split(line)
	if err != nil {
		return false, err
	}
	if len(args) == 0 {
		return false, nil
	}

	cmd, args := args[0], args[1:]
	switch cmd {
	case "quit", "exit":
		return true, nil
	case "help":
		fmt.Println(usage)
		return false, nil
	case "move":
		if len(args) != 2 {
			return false, errors.New("usage: move X Y")
		}
		return false, c.request(types.CmdMoveToTarget, map[string]interface{}{"x": args[0], "y": args[1]})
	case "angles", "calibrate":
		if len(args) != 2 {
			return false, fmt.Errorf("usage: %s A1 A2", cmd)
		}
		return false, c.request(types.ConsoleCommand(cmd), map[string]interface{}{"alpha1": args[0], "alpha2": args[1]})
	case "speed":
		if len(args) != 1 {
			return false, errors.New("usage: speed RPM")
		}
		return false, c.request(types.CmdSetSpeed, map[string]interface{}{"rpm": args[0]})
	case "draw":
		if len(args) < 1 || len(args) > 3 {
			return false, errors.New("usage: draw FILE [RES] [MODE]")
		}
		params := map[string]interface{}{"file": args[0]}
		if len(args) > 1 {
			params["resolution"] = args[1]
		}
		if len(args) > 2 {
			params["mode"] = args[2]
		}
		return false, c.request(types.CmdStartJob, params)
	case "cancel", "status", "where", "reset", "zero":
		return false, c.request(types.ConsoleCommand(cmd), nil)
	case "get_config":
		params := map[string]interface{}{}
		if len(args) > 0 {
			params["section"] = args[0]
		}
		return false, c.request(types.CmdGetConfig, params)
	case "raw":
		return false, errors.New("usage: raw TEXT...")
	case "log":
		if len(args) != 1 {
			return false, errors.New("usage: log LEVEL")
		}
		return false, c.request(types.CmdSetLogLevel, map[string]interface{}{"level": args[0]})
	default:
		return false, fmt.Errorf("unknown command %q, try help", cmd)
	}
}

func (c *Console) request(command types.ConsoleCommand, params map[string]interface{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	resp, err := c.client.Request(ctx, command, params)
	if err != nil {
		return err
	}
	if resp.Status != "success" {
		if kind, ok := resp.Data["kind"]; ok {
			return fmt.Errorf("%s (%v)", resp.Error, kind)
		}
		return errors.New(resp.Error)
	}
	printData(resp.Data)
	return nil
}

func printData(data map[string]interface{}) {
	if len(data) == 0 {
		fmt.Println("ok")
		return
	}
	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		fmt.Println(data)
		return
	}
	fmt.Println(string(out))
}

func main() {
	var (
		address = flag.String("address", "127.0.0.1", "plotterd address")
		port    = flag.Int("port", 18080, "plotterd IPC port")
		timeout = flag.Duration("timeout", 30*time.Second, "request timeout")
		quiet   = flag.Bool("quiet", false, "do not print drawn points")
	)
	flag.Parse()

	if err := logging.Configure(types.LoggingConfig{Level: "warn", Format: "text", Output: "stderr"}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	console := NewConsole(types.IPCConfig{Address: *address, Port: *port, Timeout: *timeout}, *quiet)
	if err := console.Start(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer console.Stop()

	fmt.Printf("connected to %s:%d, type help for commands\n", *address, *port)
	if err := console.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
