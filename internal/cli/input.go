package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"
)

// PromptSecret prompts for a secret without echoing to terminal
func PromptSecret(prompt string) (string, error) {
	fmt.Print(prompt)

	fd := int(syscall.Stdin)

	secret, err := term.ReadPassword(fd)
	fmt.Println() // newline after hidden input

	if err != nil {
		return "", fmt.Errorf("failed to read secret: %w", err)
	}

	return string(secret), nil
}

// PromptInput prompts for regular input
func PromptInput(prompt string) (string, error) {
	fmt.Print(prompt)

	reader := bufio.NewReader(os.Stdin)
	input, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}

	return strings.TrimSpace(input), nil
}

// PromptConfirm prompts for yes/no confirmation
func PromptConfirm(prompt string, defaultYes bool) (bool, error) {
	suffix := " [y/N]: "
	if defaultYes {
		suffix = " [Y/n]: "
	}

	input, err := PromptInput(prompt + suffix)
	if err != nil {
		return false, err
	}

	input = strings.ToLower(strings.TrimSpace(input))
	if input == "" {
		return defaultYes, nil
	}
	return input == "y" || input == "yes", nil
}
