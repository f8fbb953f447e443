package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"

	"toolbridge/internal/bridge"
	"toolbridge/internal/model"
)

type batchItem struct {
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
	TimeoutMS int64           `json:"timeout_ms"`
}

type batchResult struct {
	Index     int                 `json:"index"`
	Tool      string              `json:"tool"`
	SessionID string              `json:"session_id,omitempty"`
	Result    json.RawMessage     `json:"result,omitempty"`
	Error     *bridge.CallerError `json:"error,omitempty"`
}

func newBatchCmd(st *cliState) *cobra.Command {
	var parallel int
	cmd := &cobra.Command{
		Use:   "batch <file.jsonl|->",
		Short: "Run one call per input line concurrently; results print in input order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := readBatch(args[0], st.streams.in)
			if err != nil {
				return err
			}
			app, err := st.newApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			workers := parallel
			if workers <= 0 {
				workers = app.Config.MaxConcurrentSessions
			}

			results := make([]batchResult, len(items))
			p := pool.New().WithMaxGoroutines(workers)
			for i, line := range items {
				i, line := i, line
				p.Go(func() {
					results[i] = runBatchItem(cmd, app, i, line)
				})
			}
			p.Wait()

			failed := 0
			for _, r := range results {
				if r.Error != nil {
					failed++
				}
				if err := writeJSON(st.streams.out, r); err != nil {
					return err
				}
			}
			if failed > 0 {
				return withExit(ExitToolFailure, fmt.Errorf("%d of %d calls failed", failed, len(results)))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&parallel, "parallel", 0, "calls in flight at once (default: max_concurrent_sessions)")
	return cmd
}

func runBatchItem(cmd *cobra.Command, app *App, index int, line string) batchResult {
	out := batchResult{Index: index}
	var item batchItem
	if err := json.Unmarshal([]byte(line), &item); err != nil {
		out.Error = bridge.Translate(model.Wrap(model.KindInvalidArguments, err, "line %d is not a batch item", index+1))
		return out
	}
	out.Tool = item.Tool
	arguments, err := bridge.DecodeArguments(item.Arguments)
	if err != nil {
		out.Error = bridge.Translate(err)
		return out
	}
	res, err := app.Bridge.CallTool(cmd.Context(), item.Tool, arguments, time.Duration(item.TimeoutMS)*time.Millisecond)
	if err != nil {
		out.Error = bridge.Translate(err)
		return out
	}
	out.SessionID = res.SessionID
	out.Result = res.Result
	return out
}

// readBatch returns the non-blank lines of path, or of stdin for "-".
func readBatch(path string, stdin io.Reader) ([]string, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open batch file: %w", err)
		}
		defer f.Close()
		r = f
	}

	var lines []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 16<<20)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read batch input: %w", err)
	}
	return lines, nil
}
