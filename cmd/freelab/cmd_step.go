package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"freelab/internal/auth"
	"freelab/internal/freestep"
	"freelab/internal/logging"
)

var (
	stepRequestPath string
	stepUser        string
	stepReplyPath   string
)

// stepCmd runs one step without the HTTP server
var stepCmd = &cobra.Command{
	Use:   "step",
	Short: "Run a single step from a request file",
	Long: `Runs one step request through the engine and prints the response.

Membership is not checked; usage is metered against the configured store
exactly as the server would.

Example:
  freelab step --request beaker.json
  freelab step --request beaker.json --reply canned.json`,
	Args: cobra.NoArgs,
	RunE: runStep,
}

func runStep(cmd *cobra.Command, args []string) error {
	body, err := readInput(cmd, stepRequestPath)
	if err != nil {
		return err
	}

	c := *cfg
	if stepReplyPath != "" {
		reply, err := os.ReadFile(stepReplyPath)
		if err != nil {
			return fmt.Errorf("failed to read reply: %w", err)
		}
		c.LLM.Provider = "scripted"
		c.LLM.ScriptedReply = string(reply)
	}
	if err := c.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(backgroundContext(cmd), timeout)
	defer cancel()

	allowAll := auth.MembershipFunc(func(context.Context, string, string) (bool, error) { return true, nil })
	rt, err := buildRuntime(ctx, &c, allowAll)
	if err != nil {
		return err
	}
	defer rt.Close()

	res, err := rt.engine.Step(ctx, &auth.Claims{Subject: stepUser, Role: "cli"}, body)
	if err != nil {
		var se *freestep.Error
		if errors.As(err, &se) && len(se.Details) > 0 {
			for _, d := range se.Details {
				fmt.Fprintf(cmd.ErrOrStderr(), "  %s: %s\n", d.Path, d.Reason)
			}
		}
		return err
	}

	logging.Step("step %s: model=%s cost=%d micro-USD", res.StepID, res.Model, res.CostMicroUSD)
	return printJSON(cmd, res.Response)
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "" || path == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
