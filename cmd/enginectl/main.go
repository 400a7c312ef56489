// enginectl is an operator CLI that talks to the engine's storage directly
// (not through the HTTP API), the same shape as the teacher's one-off
// backfill commands: build an App, reach into its wired components, do one
// thing, exit.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/forgepipe/enginecore/internal/app"
	"github.com/forgepipe/enginecore/internal/pipeline/messages"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	idFlag := fs.String("id", "", "execution id")
	fs.Parse(os.Args[2:])

	a, err := app.New()
	if err != nil {
		fmt.Printf("init engine: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	ctx := context.Background()

	switch cmd {
	case "inspect":
		id := mustParseID(*idFlag)
		execution, err := a.Store().Retrieve(ctx, id)
		if err != nil {
			fmt.Printf("retrieve: %v\n", err)
			os.Exit(1)
		}
		stages, err := a.Store().RetrieveStages(ctx, id)
		if err != nil {
			fmt.Printf("retrieve stages: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("execution %s: %s (started=%v ended=%v)\n", execution.ID, execution.Status, execution.StartTime, execution.EndTime)
		for _, s := range stages {
			fmt.Printf("  stage %-24s %-12s %s\n", s.RefID, s.Status, s.Type)
		}
	case "cancel":
		id := mustParseID(*idFlag)
		execution, err := a.Store().Retrieve(ctx, id)
		if err != nil {
			fmt.Printf("retrieve: %v\n", err)
			os.Exit(1)
		}
		msg := messages.CancelExecution(messages.StartExecution(execution.ID, execution.Type, execution.Application))
		if err := a.Transport().Push(ctx, msg, 0); err != nil {
			fmt.Printf("enqueue cancel: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("cancel requested for %s\n", id)
	case "reschedule":
		id := mustParseID(*idFlag)
		execution, err := a.Store().Retrieve(ctx, id)
		if err != nil {
			fmt.Printf("retrieve: %v\n", err)
			os.Exit(1)
		}
		msg := messages.Message{
			Kind: messages.KindRescheduleExecution, ExecutionID: execution.ID,
			ExecutionType: execution.Type, Application: execution.Application,
		}
		if err := a.Transport().Push(ctx, msg, 0); err != nil {
			fmt.Printf("enqueue reschedule: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("reschedule requested for %s\n", id)
	default:
		usage()
		os.Exit(1)
	}
}

func mustParseID(raw string) uuid.UUID {
	id, err := uuid.Parse(raw)
	if err != nil {
		fmt.Printf("invalid -id: %v\n", err)
		os.Exit(1)
	}
	return id
}

func usage() {
	fmt.Println("usage: enginectl <inspect|cancel|reschedule> -id <execution-id>")
}
