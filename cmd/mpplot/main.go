// mpplot is a terminal client for MicroPython boards running the plotter
// library: it lists candidate boards, streams live telemetry and REPL text,
// and executes local source files on the device.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shengt25/micropython-plotter-poc/internal/config"
	"github.com/shengt25/micropython-plotter-poc/internal/runner"
	"github.com/shengt25/micropython-plotter-poc/internal/session"
	"github.com/shengt25/micropython-plotter-poc/internal/telemetry"
	"github.com/shengt25/micropython-plotter-poc/internal/wire"
)

var (
	configPath string
	portFlag   string
	baudFlag   int
	showAll    bool
)

var rootCmd = &cobra.Command{
	Use:           "mpplot",
	Short:         "Live telemetry and remote execution for MicroPython boards",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports with detected MicroPython boards",
	RunE: func(cmd *cobra.Command, args []string) error {
		infos, err := listPorts()
		if err != nil {
			return err
		}
		if len(infos) == 0 {
			if showAll {
				fmt.Println("no serial ports found")
			} else {
				fmt.Println("no MicroPython boards detected (try --all)")
			}
			return nil
		}
		for _, p := range infos {
			if p.VID != "" {
				fmt.Printf("%-20s %s [%s:%s]\n", p.Device, p.Label(), p.VID, p.PID)
			} else {
				fmt.Printf("%-20s %s\n", p.Device, p.Label())
			}
		}
		return nil
	},
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Connect and stream decoded telemetry and REPL text",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		device, err := resolveDevice(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		buf := telemetry.NewBuffer(cfg.Telemetry.Capacity)
		sess := session.New(nil, buf)
		defer sess.Disconnect()

		lineID, lines := sess.SubscribeLines()
		defer sess.UnsubscribeLines(lineID)
		stateID, states := sess.SubscribeStates()
		defer sess.UnsubscribeStates(stateID)

		fmt.Printf("connecting to %s...\n", device)
		if err := sess.Connect(ctx, device, cfg.Port.PortOptions); err != nil {
			return err
		}
		fmt.Println("connected; Ctrl-C to exit")

		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case change := <-states:
				if change.New == session.StateError {
					return fmt.Errorf("device lost: %w", change.Reason)
				}
			case line := <-lines:
				if line.Text != "" {
					fmt.Printf("  | %s\n", line.Text)
				}
			case <-ticker.C:
				for _, s := range buf.Drain() {
					fmt.Println(formatSample(s))
				}
			}
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run <file.py>",
	Short: "Execute a local source file on the device and stream its output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		source, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		device, err := resolveDevice(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sess := session.New(nil, nil)
		defer sess.Disconnect()
		if err := sess.Connect(ctx, device, cfg.Port.PortOptions); err != nil {
			return err
		}

		r := runner.New(sess)
		defer r.Close()
		subID, events := r.Subscribe()
		defer r.Unsubscribe(subID)

		if err := r.Run(string(source)); err != nil {
			return err
		}

		hadError := false
		for {
			select {
			case <-ctx.Done():
				_ = r.Stop()
				return ctx.Err()
			case ev := <-events:
				switch ev.Kind {
				case runner.EventOutput:
					fmt.Println(ev.Text)
				case runner.EventError:
					fmt.Fprintln(os.Stderr, ev.Text)
					hadError = true
				case runner.EventDone:
					if ev.Err != nil {
						return fmt.Errorf("execution aborted: %w", ev.Err)
					}
					if hadError {
						return fmt.Errorf("%s raised an error on the device", args[0])
					}
					return nil
				}
			}
		}
	},
}

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return nil, err
		}
	}
	if portFlag != "" {
		cfg.Port.Device = portFlag
	}
	if baudFlag > 0 {
		cfg.Port.BaudRate = baudFlag
	}
	return cfg, nil
}

// resolveDevice picks the serial device: flag/config first, otherwise the
// single detected board.
func resolveDevice(cfg *config.Config) (string, error) {
	if cfg.Port.Device != "" {
		return cfg.Port.Device, nil
	}
	boards, err := session.ScanPorts()
	if err != nil {
		return "", err
	}
	switch len(boards) {
	case 0:
		return "", fmt.Errorf("no MicroPython board detected; specify --port")
	case 1:
		return boards[0].Device, nil
	default:
		var labels []string
		for _, b := range boards {
			labels = append(labels, b.Device)
		}
		return "", fmt.Errorf("multiple boards detected (%s); specify --port", strings.Join(labels, ", "))
	}
}

func listPorts() ([]session.PortInfo, error) {
	if showAll {
		return session.ListPorts()
	}
	return session.ScanPorts()
}

func formatSample(s wire.Sample) string {
	parts := make([]string, 0, len(s.Pairs))
	for _, p := range s.Pairs {
		parts = append(parts, fmt.Sprintf("%s=%d", p.Name, p.Value))
	}
	return strings.Join(parts, "  ")
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&portFlag, "port", "", "serial device path (overrides config and auto-detect)")
	rootCmd.PersistentFlags().IntVar(&baudFlag, "baud", 0, "baud rate (overrides config)")
	portsCmd.Flags().BoolVar(&showAll, "all", false, "list every serial port, not only detected boards")

	rootCmd.AddCommand(portsCmd, monitorCmd, runCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
