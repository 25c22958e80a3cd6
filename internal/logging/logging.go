package logging

import (
	"io"
	"log"
	"os"
)

func New() *log.Logger {
	return NewWithWriter(os.Stdout)
}

// NewWithWriter is used by CLI subcommands whose stdout carries JSON results.
func NewWithWriter(w io.Writer) *log.Logger {
	return log.New(w, "whistle ", log.LstdFlags|log.LUTC)
}
