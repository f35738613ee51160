// Command quizjudge grades multiple-choice test documents.
package main

import (
	"os"

	"github.com/ahrav/quizjudge/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
