package gdwhisper

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// PromptURL asks for the source video URL on w and reads one line from r.
func PromptURL(r io.Reader, w io.Writer) (string, error) {
	fmt.Fprint(w, "Enter YouTube URL: ")
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("read url: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// resolveURL returns url, or prompts for one when stdin is a terminal.
func resolveURL(url string, stdin *os.File, stderr io.Writer) (string, error) {
	if strings.TrimSpace(url) != "" {
		return url, nil
	}
	if !isTerminal(stdin) {
		return "", fmt.Errorf("%w: --url is required when stdin is not a terminal", ErrInvalidInput)
	}
	return PromptURL(stdin, stderr)
}
