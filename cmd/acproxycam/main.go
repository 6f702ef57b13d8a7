// Command acproxycam talks to a running acproxycamd over its control socket.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strings"
	"time"

	"acproxycam/config"
	"acproxycam/ipc"
	"acproxycam/registry"
	"acproxycam/version"
)

// callTimeout matches the daemon's per-request deadline.
const callTimeout = 60 * time.Second

var (
	socketPath string
	rawJSON    bool
)

func init() {
	flag.StringVar(&socketPath, "socket", "", "Path to the daemon control socket")
	flag.BoolVar(&rawJSON, "json", false, "Print raw JSON responses")
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(1)
	}

	c := &client{path: socketPath}
	if c.path == "" {
		c.path = config.DefaultSocketPath()
	}

	command := flag.Arg(0)
	args := flag.Args()[1:]
	switch command {
	case "status":
		handleStatus(c)
	case "list":
		handleList(c)
	case "show":
		handleShow(c, args)
	case "config":
		handleConfig(c, args)
	case "add":
		handleAdd(c, args)
	case "modify":
		handleModify(c, args)
	case "delete":
		handleDelete(c, args)
	case "pause":
		handleSimpleByName(c, "PausePrinter", "pause", args, "paused")
	case "resume":
		handleSimpleByName(c, "ResumePrinter", "resume", args, "resumed")
	case "led":
		handleLed(c, args)
	case "reload":
		handleReload(c)
	case "interfaces":
		handleInterfaces(c, args)
	case "stop":
		handleStop(c)
	case "version":
		fmt.Println(version.Version)
	case "help":
		printUsage()
	default:
		log.Fatalf("Unknown command: %s", command)
	}
}

func printUsage() {
	fmt.Println("Usage: acproxycam [flags] <command> [args]")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  -socket string")
	fmt.Println("        Path to the daemon control socket")
	fmt.Println("  -json")
	fmt.Println("        Print raw JSON responses")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  status                      Daemon summary")
	fmt.Println("  list                        All printers and their state")
	fmt.Println("  show <name>                 Full status of one printer")
	fmt.Println("  config <name>               Stored printer config, secrets masked")
	fmt.Println("  add -name N -ip A -port P   Register a printer (see add -h)")
	fmt.Println("  modify <name> -file F       Replace a printer's config from a JSON file")
	fmt.Println("  delete <name>               Remove a printer")
	fmt.Println("  pause <name>                Pause a printer's worker")
	fmt.Println("  resume <name>               Resume a paused worker")
	fmt.Println("  led <name> [on|off]         Query or switch the chamber light")
	fmt.Println("  reload                      Re-read the config file")
	fmt.Println("  interfaces <ip>[,<ip>...]   Change the listen interfaces")
	fmt.Println("  stop                        Stop the daemon")
	fmt.Println("  version                     Print the client version")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  acproxycam add -name kobra -ip 192.168.1.50 -port 28100")
	fmt.Println("  acproxycam led kobra on")
	fmt.Println("  acproxycam -json show kobra")
}

// client sends one command per connection, the way the daemon serves them.
type client struct {
	path string
}

// response mirrors the wire reply with the payload left raw for the caller.
type response struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

func (c *client) call(command string, data any) (json.RawMessage, error) {
	req := ipc.Request{Command: command}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		req.Data = raw
	}
	line, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	line = append(line, '\n')

	conn, err := net.DialTimeout("unix", c.path, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon at %s: %w", c.path, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(callTimeout))

	if _, err := conn.Write(line); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	reply, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var resp response
	if err := json.Unmarshal(reply, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if !resp.OK {
		if resp.Error == "" {
			resp.Error = "request failed"
		}
		return nil, fmt.Errorf("%s", resp.Error)
	}
	return resp.Data, nil
}

// printRaw emits the untouched response payload for -json mode.
func printRaw(data json.RawMessage) {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	fmt.Println(string(data))
}

func handleStatus(c *client) {
	data, err := c.call("GetStatus", nil)
	if err != nil {
		log.Fatalf("GetStatus failed: %v", err)
	}
	if rawJSON {
		printRaw(data)
		return
	}
	var st ipc.DaemonStatus
	if err := json.Unmarshal(data, &st); err != nil {
		log.Fatalf("Decode status: %v", err)
	}
	uptime := time.Duration(st.UptimeSeconds * float64(time.Second)).Round(time.Second)
	fmt.Printf("Version:     %s\n", st.Version)
	fmt.Printf("Uptime:      %s\n", uptime)
	fmt.Printf("Printers:    %d (%d active, %d inactive)\n", st.PrinterCount, st.ActiveStreamers, st.InactiveStreamers)
	fmt.Printf("Clients:     %d\n", st.TotalClients)
	fmt.Printf("Interfaces:  %s\n", strings.Join(st.ListenInterfaces, ", "))
	if st.RssBytes > 0 {
		fmt.Printf("Memory:      %.1f MiB\n", float64(st.RssBytes)/(1<<20))
	}
	if st.CPUPercent > 0 {
		fmt.Printf("CPU:         %.1f%%\n", st.CPUPercent)
	}
}

func handleList(c *client) {
	data, err := c.call("ListPrinters", nil)
	if err != nil {
		log.Fatalf("ListPrinters failed: %v", err)
	}
	if rawJSON {
		printRaw(data)
		return
	}
	var printers []registry.PrinterStatus
	if err := json.Unmarshal(data, &printers); err != nil {
		log.Fatalf("Decode printer list: %v", err)
	}
	if len(printers) == 0 {
		fmt.Println("No printers configured")
		return
	}
	fmt.Printf("%-16s %-13s %-8s %s\n", "NAME", "STATE", "CLIENTS", "LAST ERROR")
	for _, p := range printers {
		clients := p.Clients.Mjpeg + p.Clients.H264WS + p.Clients.Flv + p.Clients.External
		fmt.Printf("%-16s %-13s %-8d %s\n", p.Name, p.State, clients, p.LastError)
	}
}

func handleShow(c *client, args []string) {
	name := requireName(args, "show")
	data, err := c.call("GetPrinterDetails", map[string]string{"name": name})
	if err != nil {
		log.Fatalf("GetPrinterDetails failed: %v", err)
	}
	printIndented(data)
}

func handleConfig(c *client, args []string) {
	name := requireName(args, "config")
	data, err := c.call("GetPrinterConfig", map[string]string{"name": name})
	if err != nil {
		log.Fatalf("GetPrinterConfig failed: %v", err)
	}
	printIndented(data)
}

func handleAdd(c *client, args []string) {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	name := fs.String("name", "", "Printer name (required)")
	ip := fs.String("ip", "", "Printer IP address (required)")
	port := fs.Int("port", 0, "MJPEG server port (required)")
	camera := fs.Bool("camera", true, "Enable the camera pipeline")
	lanMode := fs.Bool("lan-mode", false, "Open LAN mode over SSH before connecting")
	sshPassword := fs.String("ssh-password", "", "SSH password when the printer needs one")
	file := fs.String("file", "", "Read the full printer config from a JSON file instead ('-' for stdin)")
	fs.Parse(args)

	var pc *config.PrinterConfig
	if *file != "" {
		pc = readPrinterConfig(*file)
	} else {
		if *name == "" || *ip == "" || *port == 0 {
			log.Fatalf("add requires -name, -ip and -port (or -file)")
		}
		pc = &config.PrinterConfig{
			Name:          *name,
			IP:            *ip,
			MjpegPort:     *port,
			CameraEnabled: *camera,
			AutoLanMode:   *lanMode,
			SshPassword:   *sshPassword,
		}
	}
	if _, err := c.call("AddPrinter", pc); err != nil {
		log.Fatalf("AddPrinter failed: %v", err)
	}
	fmt.Printf("Printer %s added\n", pc.Name)
}

func handleModify(c *client, args []string) {
	if len(args) < 1 || strings.HasPrefix(args[0], "-") {
		log.Fatalf("Usage: acproxycam modify <name> -file <config.json>")
	}
	name := args[0]
	fs := flag.NewFlagSet("modify", flag.ExitOnError)
	file := fs.String("file", "", "JSON file with the new printer config ('-' for stdin)")
	fs.Parse(args[1:])
	if *file == "" {
		log.Fatalf("modify requires -file")
	}
	pc := readPrinterConfig(*file)
	payload := map[string]any{"originalName": name, "config": pc}
	if _, err := c.call("ModifyPrinter", payload); err != nil {
		log.Fatalf("ModifyPrinter failed: %v", err)
	}
	fmt.Printf("Printer %s updated\n", name)
}

func handleDelete(c *client, args []string) {
	name := requireName(args, "delete")
	fmt.Printf("This will remove printer %s and stop its streams\n", name)
	fmt.Print("Are you sure you want to continue? (y/n): ")
	if !confirm() {
		fmt.Println("Operation cancelled")
		return
	}
	if _, err := c.call("DeletePrinter", map[string]string{"name": name}); err != nil {
		log.Fatalf("DeletePrinter failed: %v", err)
	}
	fmt.Printf("Printer %s deleted\n", name)
}

func handleSimpleByName(c *client, command, verb string, args []string, past string) {
	name := requireName(args, verb)
	if _, err := c.call(command, map[string]string{"name": name}); err != nil {
		log.Fatalf("%s failed: %v", command, err)
	}
	fmt.Printf("Printer %s %s\n", name, past)
}

func handleLed(c *client, args []string) {
	if len(args) < 1 {
		log.Fatalf("Usage: acproxycam led <name> [on|off]")
	}
	name := args[0]

	if len(args) == 1 {
		data, err := c.call("GetLedStatus", map[string]string{"name": name})
		if err != nil {
			log.Fatalf("GetLedStatus failed: %v", err)
		}
		printLed(data)
		return
	}

	var on bool
	switch args[1] {
	case "on":
		on = true
	case "off":
		on = false
	default:
		log.Fatalf("led wants 'on' or 'off', got %q", args[1])
	}
	data, err := c.call("SetLed", map[string]any{"name": name, "on": on})
	if err != nil {
		log.Fatalf("SetLed failed: %v", err)
	}
	printLed(data)
}

func printLed(data json.RawMessage) {
	if rawJSON {
		printRaw(data)
		return
	}
	var led ipc.LedReply
	if err := json.Unmarshal(data, &led); err != nil {
		log.Fatalf("Decode led reply: %v", err)
	}
	state := "off"
	if led.IsOn {
		state = "on"
	}
	fmt.Printf("Light: %s (brightness %d)\n", state, led.Brightness)
}

func handleReload(c *client) {
	if _, err := c.call("ReloadConfig", nil); err != nil {
		log.Fatalf("ReloadConfig failed: %v", err)
	}
	fmt.Println("Config reloaded")
}

func handleInterfaces(c *client, args []string) {
	if len(args) < 1 {
		log.Fatalf("Usage: acproxycam interfaces <ip>[,<ip>...]")
	}
	var ifaces []string
	for _, part := range strings.Split(args[0], ",") {
		if p := strings.TrimSpace(part); p != "" {
			ifaces = append(ifaces, p)
		}
	}
	if len(ifaces) == 0 {
		log.Fatalf("interfaces wants at least one address")
	}
	payload := map[string]any{"interfaces": ifaces}
	if _, err := c.call("ChangeInterfaces", payload); err != nil {
		log.Fatalf("ChangeInterfaces failed: %v", err)
	}
	fmt.Printf("Listen interfaces set to %s\n", strings.Join(ifaces, ", "))
}

func handleStop(c *client) {
	fmt.Println("This will stop the daemon and every printer stream")
	fmt.Print("Are you sure you want to continue? (y/n): ")
	if !confirm() {
		fmt.Println("Operation cancelled")
		return
	}
	if _, err := c.call("StopService", nil); err != nil {
		log.Fatalf("StopService failed: %v", err)
	}
	fmt.Println("Daemon stopping")
}

// confirm prompts the user for y/n confirmation.
func confirm() bool {
	reader := bufio.NewReader(os.Stdin)
	response, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes"
}

func requireName(args []string, command string) string {
	if len(args) < 1 || args[0] == "" {
		log.Fatalf("Usage: acproxycam %s <name>", command)
	}
	return args[0]
}

func readPrinterConfig(path string) *config.PrinterConfig {
	var raw []byte
	var err error
	if path == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		log.Fatalf("Read printer config: %v", err)
	}
	var pc config.PrinterConfig
	if err := json.Unmarshal(raw, &pc); err != nil {
		log.Fatalf("Parse printer config: %v", err)
	}
	return &pc
}

func printIndented(data json.RawMessage) {
	if rawJSON {
		printRaw(data)
		return
	}
	var buf any
	if err := json.Unmarshal(data, &buf); err != nil {
		log.Fatalf("Decode response: %v", err)
	}
	out, err := json.MarshalIndent(buf, "", "  ")
	if err != nil {
		log.Fatalf("Format response: %v", err)
	}
	fmt.Println(string(out))
}
