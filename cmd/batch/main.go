// batch submits every identifier in a file (or stdin), waits for the orders
// to finish and prints one line per input.
// Run: go run ./cmd/batch -file ids.txt
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/ErlanBelekov/stockorder/config"
	"github.com/ErlanBelekov/stockorder/internal/domain"
	"github.com/ErlanBelekov/stockorder/internal/events"
	ctxlog "github.com/ErlanBelekov/stockorder/internal/log"
	"github.com/ErlanBelekov/stockorder/internal/orchestrator"
	"github.com/ErlanBelekov/stockorder/internal/parser"
	"github.com/ErlanBelekov/stockorder/internal/siteconfig"
	"github.com/ErlanBelekov/stockorder/internal/upstream"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
)

type result struct {
	Line   int              `json:"line"`
	Input  string           `json:"input"`
	Handle string           `json:"handle,omitempty"`
	State  domain.JobState  `json:"state,omitempty"`
	Kind   domain.ErrorKind `json:"kind,omitempty"`
	Link   string           `json:"link,omitempty"`
}

const (
	exitOK       = 0
	exitNotReady = 1 // at least one line did not end with a download link
	exitError    = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout))
}

// run returns the process exit code so deferred cleanup, such as draining
// the NATS connection, always happens.
func run(args []string, stdin io.Reader, stdout io.Writer) int {
	fs := flag.NewFlagSet("batch", flag.ContinueOnError)
	file := fs.String("file", "", "file with one identifier per line (default stdin)")
	asJSON := fs.Bool("json", false, "print results as JSON lines")
	if err := fs.Parse(args); err != nil {
		return exitError
	}

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Printf("config error: %v", err)
		return exitError
	}

	logger := slog.New(ctxlog.NewContextHandler(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      cfg.SlogLevel(),
		TimeFormat: time.Kitchen,
	})))

	text, err := readInput(*file, stdin)
	if err != nil {
		log.Printf("read input: %v", err)
		return exitError
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sites, err := siteconfig.NewStore(cfg.SitesFile, parser.SiteKeys(), logger)
	if err != nil {
		log.Printf("site config: %v", err)
		return exitError
	}
	client, err := upstream.NewClient(cfg.Upstream(), logger)
	if err != nil {
		log.Printf("upstream client: %v", err)
		return exitError
	}

	var observers []orchestrator.Observer
	if cfg.NATSURL != "" {
		publisher, err := events.Connect(cfg.NATSURL, cfg.NATSSubject, logger)
		if err != nil {
			log.Printf("nats: %v", err)
			return exitError
		}
		defer publisher.Close()
		observers = append(observers, publisher)
	}

	orch := orchestrator.New(client, sites, cfg.Orchestrator(), logger, observers...)

	p := parser.New(parser.Options{DefaultSite: domain.SiteKey(cfg.DefaultSite)})
	results := submitAll(ctx, orch, p.ParseBatch(text))
	waitAll(ctx, orch, results)
	orch.Close()

	if err := printResults(stdout, results, *asJSON); err != nil {
		log.Printf("write results: %v", err)
		return exitError
	}

	for _, r := range results {
		if r.State != domain.StateReady {
			return exitNotReady
		}
	}
	return exitOK
}

func readInput(path string, stdin io.Reader) (string, error) {
	if path == "" {
		b, err := io.ReadAll(stdin)
		return string(b), err
	}
	b, err := os.ReadFile(path)
	return string(b), err
}

// submitAll submits every identifier; a rejected line never blocks the rest.
func submitAll(ctx context.Context, orch *orchestrator.Orchestrator, ids []domain.ParsedIdentifier) []*result {
	results := make([]*result, 0, len(ids))
	for i, id := range ids {
		r := &result{Line: i + 1, Input: id.Raw}
		var dup *domain.Error
		handle, err := orch.Submit(ctx, id, orchestrator.SubmitOptions{})
		switch {
		case err == nil:
			r.Handle = handle
		case errors.As(err, &dup) && dup.Kind == domain.KindDuplicateSubmission:
			// A repeated line follows the job already running for it.
			r.Handle = dup.Handle
		default:
			r.State = domain.StateFailed
			r.Kind = domain.KindOf(err)
		}
		results = append(results, r)
	}
	return results
}

// waitAll follows every accepted job until it is terminal or ctx is done.
func waitAll(ctx context.Context, orch *orchestrator.Orchestrator, results []*result) {
	var wg sync.WaitGroup
	for _, r := range results {
		if r.Handle == "" {
			continue
		}
		wg.Go(func() { wait(ctx, orch, r) })
	}
	wg.Wait()
}

func wait(ctx context.Context, orch *orchestrator.Orchestrator, r *result) {
	updates, unsubscribe, err := orch.Subscribe(r.Handle)
	if err != nil {
		r.State, r.Kind = domain.StateFailed, domain.KindOf(err)
		return
	}
	defer unsubscribe()

	var last domain.OrderJob
	for {
		select {
		case snap, ok := <-updates:
			if !ok {
				r.State, r.Kind = last.State, last.Failure
				if last.Result != nil {
					r.Link = last.Result.URL
				}
				return
			}
			last = snap
		case <-ctx.Done():
			r.State = last.State
			return
		}
	}
}

func printResults(w io.Writer, results []*result, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		for _, r := range results {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "LINE\tINPUT\tSTATE\tRESULT")
	for _, r := range results {
		out := r.Link
		if r.Kind != domain.KindNone {
			out = string(r.Kind)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", r.Line, r.Input, r.State, out)
	}
	return tw.Flush()
}
