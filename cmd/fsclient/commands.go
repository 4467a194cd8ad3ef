package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/devrev/pairfs/internal/client"
	"github.com/devrev/pairfs/internal/protocol"
	"github.com/spf13/cobra"
)

func uploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload <name> <local-path>",
		Short: "Upload a local file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			c, _, _, err := connect(ctx)
			if err != nil {
				return err
			}
			reply, err := c.Upload(ctx, args[0], data)
			if err != nil {
				return err
			}
			fmt.Println(reply)
			return nil
		},
	}
}

func createCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <name> [content]",
		Short: "Create a text file from an argument or stdin",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var content []byte
			if len(args) == 2 {
				content = []byte(args[1])
			} else {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				content = data
			}
			ctx := cmd.Context()
			c, _, _, err := connect(ctx)
			if err != nil {
				return err
			}
			reply, err := c.Create(ctx, args[0], content)
			if err != nil {
				return err
			}
			fmt.Println(reply)
			return nil
		},
	}
}

func readCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "read <name>",
		Short: "Print a file, or save it with --out",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, _, _, err := connect(ctx)
			if err != nil {
				return err
			}
			status, data, err := c.Read(ctx, args[0])
			if err != nil {
				return err
			}
			if status != protocol.StatusOK {
				fmt.Println(status)
				return nil
			}
			if out != "" {
				return os.WriteFile(out, data, 0644)
			}
			_, err = os.Stdout.Write(data)
			return err
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the content to this path")
	return cmd
}

func writeCmd() *cobra.Command {
	var editor string
	cmd := &cobra.Command{
		Use:   "write <name>",
		Short: "Edit a file in $EDITOR and commit the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, _, _, err := connect(ctx)
			if err != nil {
				return err
			}
			reply, err := c.Write(ctx, args[0], client.ExternalEditor{Command: editor})
			if err != nil {
				return err
			}
			fmt.Println(reply)
			return nil
		},
	}
	cmd.Flags().StringVar(&editor, "editor", "", "editor command (defaults to $EDITOR, then vi)")
	return cmd
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a file from every node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, _, _, err := connect(ctx)
			if err != nil {
				return err
			}
			reply, err := c.Delete(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Println(reply)
			return nil
		},
	}
}

func openCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "open <name>",
		Short: "Open a text file and page through it by offset",
		Long: "Open a text file and read offsets from stdin, one per line. Each offset\n" +
			"prints up to 1024 bytes from that position. Type close or send EOF to finish.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			c, t, logger, err := connect(ctx)
			if err != nil {
				return err
			}

			var prober *client.Prober
			if t.healthURL != "" {
				prober = client.NewProber(t.healthURL, client.DefaultProbeInterval, client.DefaultProbeTimeout, logger)
				go prober.Run(ctx)
			}

			session, reply, err := c.Open(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Println(reply)
			if session == nil {
				return nil
			}
			return seekLoop(session, prober, cmd.InOrStdin())
		},
	}
}

// seekLoop feeds offsets typed on in to the session until close or EOF
func seekLoop(session *client.Session, prober *client.Prober, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Print("offset> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "close" || line == "quit" {
			break
		}
		if prober != nil && !prober.Healthy() {
			fmt.Fprintln(os.Stderr, "warning: connected node is failing health checks")
		}

		offset, err := strconv.ParseInt(line, 10, 32)
		if err != nil {
			fmt.Fprintf(os.Stderr, "not an offset: %q\n", line)
			continue
		}
		chunk, err := session.Seek(int32(offset))
		if err != nil {
			return err
		}
		fmt.Println(chunk)
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	reply, err := session.Close()
	if err != nil {
		return err
	}
	fmt.Println(reply)
	return nil
}

func nodesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List healthy nodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			dir, err := openDirectory(logger)
			if err != nil {
				return err
			}
			defer dir.Close()

			instances, err := newRouter(dir, logger).Instances(cmd.Context())
			if err != nil {
				return err
			}
			for _, inst := range instances {
				fmt.Printf("%s\t%s\t%s\n", inst.NodeID, inst.Endpoint(), inst.HealthCheckURL)
			}
			return nil
		},
	}
}

func pickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pick",
		Short: "Show which node this client id maps to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			dir, err := openDirectory(logger)
			if err != nil {
				return err
			}
			defer dir.Close()

			clientID := v.GetString("client-id")
			inst, err := newRouter(dir, logger).PickNode(cmd.Context(), clientID)
			if err != nil {
				return err
			}
			fmt.Printf("%s -> %s (%s)\n", clientID, inst.NodeID, inst.Endpoint())
			return nil
		},
	}
}
