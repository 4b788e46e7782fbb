package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/amine-amaach/opcua-bridge/internal/ports"
	"github.com/amine-amaach/opcua-bridge/internal/services"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const prompt = "uabridge> "

// Shell runs admin command lines against a bridge. Every line gets a fresh
// command tree; results and errors come back as text.
type Shell struct {
	bridge *services.BridgeSvc
	log    *logrus.Logger
}

func NewShell(bridge *services.BridgeSvc, log *logrus.Logger) *Shell {
	return &Shell{bridge: bridge, log: log}
}

// Exec runs one command line and returns its output.
func (sh *Shell) Exec(line string) (out string) {
	args := strings.Fields(line)
	if len(args) == 0 || strings.HasPrefix(args[0], "#") {
		return ""
	}

	var buf bytes.Buffer
	defer func() {
		if r := recover(); r != nil {
			sh.log.WithFields(logrus.Fields{"Command": line, "Panic": r}).Errorln("Command panicked ⛔")
			out = buf.String() + fmt.Sprintf("error: %v\n", r)
		}
	}()

	root := sh.commandTree()
	root.SetArgs(args)
	root.SetOut(&buf)
	root.SetErr(&buf)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(&buf, "error: %v\n", err)
	}
	return buf.String()
}

// Run reads command lines from in until EOF, "exit" or ctx is done.
func (sh *Shell) Run(ctx context.Context, in io.Reader, out io.Writer) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprint(out, prompt)
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			switch strings.TrimSpace(line) {
			case "exit", "quit":
				return
			}
			fmt.Fprint(out, sh.Exec(line))
			fmt.Fprint(out, prompt)
		}
	}
}

func (sh *Shell) commandTree() *cobra.Command {
	root := &cobra.Command{
		Use:           "",
		Short:         "uabridge admin commands",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.AddCommand(
		sh.createSessionCmd(),
		sh.createSubscriptionCmd(),
		sh.setOptionCmd(),
		sh.connectCmd(),
		sh.disconnectCmd(),
		sh.showCmd(),
		sh.debugLevelCmd(),
		sh.writeCmd(),
	)
	return root
}

func (sh *Shell) createSessionCmd() *cobra.Command {
	var dialOpts ports.DialOptions
	cmd := &cobra.Command{
		Use:   "create-session NAME URL [key=value:...]",
		Short: "Create a session to an OPC UA server",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := ""
			if len(args) == 3 {
				opts = args[2]
			}
			s, err := sh.bridge.CreateSession(args[0], args[1], opts, dialOpts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s created for %s\n", s.Name(), s.URL())
			return nil
		},
	}
	cmd.Flags().StringVar(&dialOpts.User, "user", "", "user name")
	cmd.Flags().StringVar(&dialOpts.Password, "password", "", "password")
	cmd.Flags().BoolVar(&dialOpts.InsecureSkipVerify, "insecure", false, "skip server certificate verification")
	return cmd
}

func (sh *Shell) createSubscriptionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create-subscription NAME SESSION INTERVAL_MS [key=value:... | PRIORITY]",
		Short: "Create a subscription on a session",
		Args:  cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			interval, err := strconv.ParseFloat(args[2], 64)
			if err != nil {
				return errors.Wrapf(services.ErrInvalidOption, "interval %q", args[2])
			}
			opts := ""
			if len(args) == 4 {
				opts = args[3]
				if _, err := strconv.Atoi(opts); err == nil {
					opts = "priority=" + opts
				}
			}
			sub, err := sh.bridge.CreateSubscription(args[0], args[1], interval, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "subscription %s created on %s\n", sub.Name(), args[1])
			return nil
		},
	}
}

func (sh *Shell) setOptionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-option PATTERN key=value[:key=value] | PATTERN KEY VALUE",
		Short: "Set options on sessions and subscriptions",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var n int
			var err error
			if len(args) == 3 {
				n, err = sh.bridge.SetOption(args[0], args[1], args[2])
			} else {
				n, err = sh.bridge.SetOptions(args[0], args[1])
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "options set on %d target(s)\n", n)
			return nil
		},
	}
}

func (sh *Shell) connectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect PATTERN",
		Short: "Connect matching sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := sh.bridge.Connect(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "connecting %d session(s)\n", n)
			return nil
		},
	}
}

func (sh *Shell) disconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect PATTERN",
		Short: "Disconnect matching sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := sh.bridge.Disconnect(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "disconnected %d session(s)\n", n)
			return nil
		},
	}
}

func (sh *Shell) showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [PATTERN] [VERBOSITY]",
		Short: "Show sessions, subscriptions and items",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pattern, level := "*", 0
			if len(args) > 0 {
				pattern = args[0]
			}
			if len(args) > 1 {
				n, err := strconv.Atoi(args[1])
				if err != nil || n < 0 {
					return errors.Wrapf(services.ErrInvalidOption, "verbosity %q", args[1])
				}
				level = n
			}
			return sh.bridge.Show(cmd.OutOrStdout(), pattern, level)
		},
	}
}

func (sh *Shell) debugLevelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "debug-level PATTERN LEVEL",
		Short: "Set the debug level of sessions and subscriptions",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := strconv.Atoi(args[1])
			if err != nil {
				return errors.Wrapf(services.ErrInvalidOption, "level %q", args[1])
			}
			n, err := sh.bridge.DebugLevel(args[0], level)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "debug level %d set on %d target(s)\n", level, n)
			return nil
		},
	}
}

func (sh *Shell) writeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "write BINDING VALUE",
		Short: "Write a value through an output binding",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, ok := sh.bridge.Binding(args[0])
			if !ok {
				return errors.Wrap(services.ErrUnknownBinding, args[0])
			}
			raw := strings.Join(args[1:], " ")
			var v any
			if err := json.Unmarshal([]byte(raw), &v); err != nil {
				v = raw
			}
			if err := b.Write(v); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "write queued on %s\n", b.Name())
			return nil
		},
	}
}
