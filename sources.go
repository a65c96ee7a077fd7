package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/huh"
	"github.com/raine/product-gate/config"
	"github.com/raine/product-gate/internal/loader"
	"github.com/raine/product-gate/internal/policy"
)

// resolveSources expands the positional argument into the runs to execute.
func resolveSources(opts *options) ([]string, error) {
	if !opts.all && !opts.pick {
		return []string{opts.source}, nil
	}

	if loader.IsURL(opts.source) {
		return nil, errors.New("-all and -pick need a folder")
	}
	images, err := loader.ListImages(opts.source)
	if err != nil {
		return nil, err
	}

	if opts.all {
		return images, nil
	}

	if !config.IsInteractiveTerminal() {
		return nil, errors.New("-pick needs an interactive terminal")
	}
	choice, err := pickImage(images)
	if err != nil {
		return nil, err
	}
	return []string{choice}, nil
}

func pickImage(images []string) (string, error) {
	choices := make([]huh.Option[string], 0, len(images))
	for _, img := range images {
		choices = append(choices, huh.NewOption(filepath.Base(img), img))
	}

	var choice string
	err := huh.NewSelect[string]().
		Title("Choose an image").
		Options(choices...).
		Value(&choice).
		Run()
	if err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return "", errors.New("selection cancelled")
		}
		return "", fmt.Errorf("failed to pick image: %w", err)
	}
	return choice, nil
}

// runInit writes the default policy so a first run has something to load.
func runInit(args []string, stdout io.Writer) int {
	path := config.DefaultPolicyPath
	if len(args) > 0 {
		path = args[0]
	}

	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(os.Stderr, "%s already exists\n", path)
		return exitError
	}

	data, err := policy.Default().Encode()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitError
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			fmt.Fprintf(os.Stderr, "failed to create %s: %v\n", dir, err)
			return exitError
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write policy: %v\n", err)
		return exitError
	}

	fmt.Fprintf(stdout, "wrote default policy to %s\n", path)
	return exitOK
}
