package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/raine/product-gate/config"
	"github.com/raine/product-gate/internal/gatekeeper"
	"github.com/raine/product-gate/internal/policy"
)

// Scores an image against a policy without calling any external service.
func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <image-path> [policy-path]\n", os.Args[0])
		os.Exit(1)
	}

	imagePath := os.Args[1]
	policyPath := config.DefaultPolicyPath
	if len(os.Args) >= 3 {
		policyPath = os.Args[2]
	}

	p, err := policy.Load(policyPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	imageData, err := os.ReadFile(imagePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read image: %v\n", err)
		os.Exit(1)
	}

	meta, err := gatekeeper.DecodeMetadata(imageData)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	score := gatekeeper.ScoreMetadata(meta, p)

	out, _ := json.MarshalIndent(struct {
		Metadata gatekeeper.ImageMetadata `json:"metadata"`
		Score    gatekeeper.PolicyScore   `json:"policy_score"`
	}{meta, score}, "", "  ")
	fmt.Println(string(out))

	if !score.Passed {
		os.Exit(2)
	}
}
