package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dshills/luasbx/internal/message"
)

// openInput opens path for reading, or stdin for "" and "-".
func openInput(cmd *cobra.Command, path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(cmd.InOrStdin()), nil
	}
	return os.Open(path)
}

// readFrames reads every framed message from path.
func readFrames(cmd *cobra.Command, path string) ([][]byte, error) {
	r, err := openInput(cmd, path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return message.SplitFrames(data)
}

func frameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "frame [file]",
		Short: "Encode JSON messages, one per line, as a framed message stream",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) > 0 {
				path = args[0]
			}
			r, err := openInput(cmd, path)
			if err != nil {
				return err
			}
			defer r.Close()

			w := bufio.NewWriter(cmd.OutOrStdout())
			scanner := bufio.NewScanner(r)
			scanner.Buffer(make([]byte, 0, 64*1024), 4*message.MaxMessageSize)
			var frame []byte
			for n := 1; scanner.Scan(); n++ {
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				m, err := messageFromJSON(line)
				if err != nil {
					return fmt.Errorf("line %d: %w", n, err)
				}
				data, err := message.Encode(m)
				if err != nil {
					return fmt.Errorf("line %d: %w", n, err)
				}
				frame = message.AppendFrame(frame[:0], data)
				if _, err := w.Write(frame); err != nil {
					return err
				}
			}
			if err := scanner.Err(); err != nil {
				return err
			}
			return w.Flush()
		},
	}
}

func dumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump [file]",
		Short: "Print a framed message stream as JSON, one message per line",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) > 0 {
				path = args[0]
			}
			frames, err := readFrames(cmd, path)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for i, frame := range frames {
				m, err := message.Decode(frame)
				if err != nil {
					return fmt.Errorf("message %d: %w", i+1, err)
				}
				line, err := messageToJSON(m)
				if err != nil {
					return fmt.Errorf("message %d: %w", i+1, err)
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
}
