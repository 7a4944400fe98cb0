// Command rendezvousctl is an administrative client for rendezvousd: a
// cobra-based CLI with one subcommand per wire operation, plus an
// interactive shell for exploratory use.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/arjbhandari/rendezvousd/client"
)

var (
	serverAddr string
	timeout    time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "rendezvousctl",
		Short: "Administrative client for a rendezvousd store",
	}
	root.PersistentFlags().StringVar(&serverAddr, "server", "127.0.0.1:29500", "rendezvousd server address")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "per-call timeout")

	root.AddCommand(
		newSetCommand(),
		newGetCommand(),
		newCompareSetCommand(),
		newAddCommand(),
		newDeleteCommand(),
		newCheckCommand(),
		newWaitCommand(),
		newWatchCommand(),
		newGetNumKeysCommand(),
		newShellCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func dial() (*client.Client, error) {
	return client.Dial(serverAddr, client.WithTimeout(timeout))
}

func newSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:                   "set key value",
		Short:                 "Set a key unconditionally",
		Args:                  cobra.ExactArgs(2),
		DisableFlagsInUseLine: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()
			if err := c.Set(args[0], []byte(args[1])); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
}

func newGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:                   "get key",
		Short:                 "Wait for a key to become present and print its value",
		Args:                  cobra.ExactArgs(1),
		DisableFlagsInUseLine: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()
			v, err := c.Get(args[0])
			if err != nil {
				return err
			}
			fmt.Println(string(v))
			return nil
		},
	}
}

func newCompareSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:                   "compareset key expected desired",
		Short:                 "Set key to desired if its current value equals expected",
		Args:                  cobra.ExactArgs(3),
		DisableFlagsInUseLine: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()
			v, err := c.CompareSet(args[0], []byte(args[1]), []byte(args[2]))
			if err != nil {
				return err
			}
			fmt.Println(string(v))
			return nil
		},
	}
}

func newAddCommand() *cobra.Command {
	return &cobra.Command{
		Use:                   "add key delta",
		Short:                 "Add delta to key's decimal counter and print the new value",
		Args:                  cobra.ExactArgs(2),
		DisableFlagsInUseLine: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()
			var delta int64
			if _, err := fmt.Sscanf(args[1], "%d", &delta); err != nil {
				return fmt.Errorf("invalid delta %q: %w", args[1], err)
			}
			v, err := c.Add(args[0], delta)
			if err != nil {
				return err
			}
			fmt.Println(v)
			return nil
		},
	}
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:                   "del key",
		Short:                 "Delete a key and report whether it was present",
		Args:                  cobra.ExactArgs(1),
		DisableFlagsInUseLine: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()
			existed, err := c.DeleteKey(args[0])
			if err != nil {
				return err
			}
			fmt.Println(existed)
			return nil
		},
	}
}

func newCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:                   "check key [key...]",
		Short:                 "Report whether every given key is present, without blocking",
		Args:                  cobra.MinimumNArgs(1),
		DisableFlagsInUseLine: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()
			ok, err := c.Check(args)
			if err != nil {
				return err
			}
			fmt.Println(ok)
			return nil
		},
	}
}

func newWaitCommand() *cobra.Command {
	return &cobra.Command{
		Use:                   "wait key [key...]",
		Short:                 "Block until every given key is present",
		Args:                  cobra.MinimumNArgs(1),
		DisableFlagsInUseLine: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()
			if err := c.Wait(args, timeout); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:                   "watch key",
		Short:                 "Subscribe to a key and print every update until interrupted",
		Args:                  cobra.ExactArgs(1),
		DisableFlagsInUseLine: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()
			done := make(chan struct{})
			if err := c.WatchKey(args[0], func(old, new []byte) {
				fmt.Printf("%s -> %s\n", old, new)
			}); err != nil {
				return err
			}
			fmt.Println("watching, press Ctrl-C to stop")
			<-done
			return nil
		},
	}
}

func newGetNumKeysCommand() *cobra.Command {
	return &cobra.Command{
		Use:                   "getnumkeys",
		Short:                 "Print the number of keys currently present",
		Args:                  cobra.NoArgs,
		DisableFlagsInUseLine: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()
			n, err := c.GetNumKeys()
			if err != nil {
				return err
			}
			fmt.Println(n)
			return nil
		},
	}
}
