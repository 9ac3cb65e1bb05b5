package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/elonfeng/drugradar/internal/lookup"
	"github.com/elonfeng/drugradar/pkg/event"
)

type findFunc func(ctx context.Context, name string) (*lookup.Result, error)

type moreFunc func(ctx context.Context, out io.Writer, res *lookup.Result) error

// interactive prompts for drug names until a blank line or EOF. Names not
// found upstream re-prompt; any other failure ends the session.
func interactive(ctx context.Context, in io.Reader, out io.Writer, find findFunc, more moreFunc) error {
	scanner := bufio.NewScanner(in)
	prompt := func(msg string) (string, bool) {
		fmt.Fprint(out, msg)
		if !scanner.Scan() {
			return "", false
		}
		return strings.TrimSpace(scanner.Text()), true
	}

	for {
		name, ok := prompt("Please enter the name of a drug to search (blank to quit): ")
		if !ok || name == "" {
			return scanner.Err()
		}

		res, err := find(ctx, name)
		if errors.Is(err, event.ErrNotFound) {
			fmt.Fprintln(out, "Drug not found in FDA database. Please try another search.")
			continue
		}
		if err != nil {
			return err
		}
		if err := printResult(out, res, 10, false); err != nil {
			return err
		}
		if len(res.Observations) == 0 || more == nil {
			continue
		}

		answer, ok := prompt("Would you like to find out more info about this drug (y/n)? ")
		if !ok {
			return scanner.Err()
		}
		if strings.HasPrefix(strings.ToLower(answer), "y") {
			fmt.Fprintln(out)
			if err := more(ctx, out, res); err != nil {
				return err
			}
		}
	}
}
