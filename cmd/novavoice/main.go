// Command novavoice runs one endpoint of a peer-to-peer voice call.
//
// Two invocation styles are supported. The P2P positional form binds a
// local port and sends to the remote, symmetrically on both machines:
//
//	novavoice <remote_ip> <local_port> <remote_port> [--device NAME]
//
// The classic flagged form runs a listening server or a connecting
// client:
//
//	novavoice -s|--server [PORT]
//	novavoice -c|--client IP [PORT]
package main

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/novavoice"
	"github.com/opd-ai/novavoice/audio"
)

func usage(program string) {
	fmt.Printf(`NovaVoice - peer-to-peer voice endpoint

Usage 1 (P2P mode, recommended):
  %[1]s <REMOTE_IP> <LOCAL_PORT> <REMOTE_PORT> [OPTIONS]

Usage 2 (classic server/client):
  %[1]s [OPTIONS]

P2P mode arguments:
  REMOTE_IP               The other side's IP address
  LOCAL_PORT              Port this machine listens on
  REMOTE_PORT             Port the other side listens on

Classic mode options:
  -s, --server [PORT]     Run as server (default port: %[2]d)
  -c, --client IP [PORT]  Run as client

General options:
  -d, --device DEVICE     Audio device name (default: default)
  -p, --profile NAME      Preprocessing profile: default, low-latency,
                          high-quality, power-save
      --config FILE       YAML preprocessing config file
  -h, --help              Show this help

P2P example (run both sides concurrently):
  Machine 1: %[1]s 192.168.1.200 8888 9999
  Machine 2: %[1]s 192.168.1.100 9999 8888
`, program, novavoice.DefaultPort)
}

// cliArgs is the parsed command line.
type cliArgs struct {
	opts       novavoice.Options
	deviceName string
	profile    string
	configPath string
	showHelp   bool
}

// parseArgs handles both invocation styles. The P2P positional form is
// detected by a dotted first argument.
func parseArgs(args []string) (cliArgs, error) {
	var parsed cliArgs

	if len(args) >= 3 && strings.Contains(args[0], ".") {
		parsed.opts.Mode = novavoice.ModePeerToPeer
		parsed.opts.RemoteIP = args[0]

		localPort, err := parsePort(args[1])
		if err != nil {
			return parsed, fmt.Errorf("invalid local port %q", args[1])
		}
		remotePort, err := parsePort(args[2])
		if err != nil {
			return parsed, fmt.Errorf("invalid remote port %q", args[2])
		}
		parsed.opts.LocalPort = localPort
		parsed.opts.RemotePort = remotePort

		return parsed, parseCommonFlags(args[3:], &parsed)
	}

	return parsed, parseClassicFlags(args, &parsed)
}

// parseClassicFlags handles the -s/-c form.
func parseClassicFlags(args []string, parsed *cliArgs) error {
	var modeChosen bool

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-h", "--help":
			parsed.showHelp = true
			return nil
		case "-s", "--server":
			parsed.opts.Mode = novavoice.ModeServer
			modeChosen = true
			if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
				port, err := parsePort(args[i+1])
				if err != nil {
					return fmt.Errorf("invalid port %q", args[i+1])
				}
				parsed.opts.LocalPort = port
				i++
			}
		case "-c", "--client":
			if i+1 >= len(args) {
				return fmt.Errorf("client mode requires an IP address")
			}
			parsed.opts.Mode = novavoice.ModeClient
			parsed.opts.RemoteIP = args[i+1]
			modeChosen = true
			i++
			if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
				port, err := parsePort(args[i+1])
				if err != nil {
					return fmt.Errorf("invalid port %q", args[i+1])
				}
				// Client mode records the port as both the local and the
				// remote port; the session connects a client from an
				// ephemeral local port, so only the remote port is used.
				parsed.opts.RemotePort = port
				parsed.opts.LocalPort = port
				i++
			}
		default:
			n, err := parseCommonFlag(args, i, parsed)
			if err != nil {
				return err
			}
			i = n
		}
	}

	if parsed.showHelp {
		return nil
	}
	if !modeChosen {
		return fmt.Errorf("choose server (-s), client (-c), or P2P mode: <IP> <LOCAL_PORT> <REMOTE_PORT>")
	}
	return nil
}

// parseCommonFlags handles the options shared by both invocation styles.
func parseCommonFlags(args []string, parsed *cliArgs) error {
	for i := 0; i < len(args); i++ {
		n, err := parseCommonFlag(args, i, parsed)
		if err != nil {
			return err
		}
		i = n
	}
	return nil
}

// parseCommonFlag consumes one shared option at position i and returns
// the index of the last argument it used.
func parseCommonFlag(args []string, i int, parsed *cliArgs) (int, error) {
	switch args[i] {
	case "-h", "--help":
		parsed.showHelp = true
		return i, nil
	case "-d", "--device":
		if i+1 >= len(args) {
			return i, fmt.Errorf("device name required")
		}
		parsed.deviceName = args[i+1]
		return i + 1, nil
	case "-p", "--profile":
		if i+1 >= len(args) {
			return i, fmt.Errorf("profile name required")
		}
		parsed.profile = args[i+1]
		return i + 1, nil
	case "--config":
		if i+1 >= len(args) {
			return i, fmt.Errorf("config path required")
		}
		parsed.configPath = args[i+1]
		return i + 1, nil
	default:
		return i, fmt.Errorf("unknown argument: %s", args[i])
	}
}

func parsePort(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return uint16(v), nil
}

// probeReachability pings the remote once, informational only.
func probeReachability(remoteIP string) {
	if remoteIP == "" {
		return
	}

	if err := exec.Command("ping", "-c", "1", "-W", "2", remoteIP).Run(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "probeReachability",
			"remote":   remoteIP,
		}).Warn("Remote did not answer ping; a firewall may be in the way")
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "probeReachability",
		"remote":   remoteIP,
	}).Info("Remote is reachable")
}

func run() int {
	parsed, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		usage(os.Args[0])
		return 1
	}
	if parsed.showHelp {
		usage(os.Args[0])
		return 0
	}

	cfg, err := audio.ProfileByName(parsed.profile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if parsed.configPath != "" {
		cfg, err = audio.LoadPreprocessingConfig(parsed.configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
	}

	parsed.opts.DeviceName = parsed.deviceName
	parsed.opts.Preprocessing = cfg

	probeReachability(parsed.opts.RemoteIP)

	session, err := novavoice.NewSession(parsed.opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if err := session.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	logrus.WithFields(logrus.Fields{
		"function": "run",
		"mode":     parsed.opts.Mode.String(),
	}).Info("Voice call active, press Ctrl+C to hang up")

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals

	logrus.WithFields(logrus.Fields{
		"function": "run",
		"signal":   sig.String(),
	}).Info("Shutdown signal received")

	session.Stop()
	return 0
}

func main() {
	os.Exit(run())
}
