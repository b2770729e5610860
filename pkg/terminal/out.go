package terminal

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiBlue   = "\033[34m"
	ansiGray   = "\033[90m"
)

// stdoutWriter returns the terminal output and whether it understands ANSI
// color escapes. On Windows consoles the escapes are translated by
// go-colorable.
func stdoutWriter() (io.Writer, bool) {
	if strings.ToLower(os.Getenv("TERM")) == "dumb" || os.Getenv("NO_COLOR") != "" {
		return os.Stdout, false
	}
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		return os.Stdout, false
	}
	return colorable.NewColorableStdout(), true
}

// transcriptWriter writes to w and also, optionally, to a buffered file.
type transcriptWriter struct {
	fileOnly bool
	w        io.Writer
	file     *bufio.Writer
	fh       io.Closer
}

func (w *transcriptWriter) Write(p []byte) (nn int, err error) {
	if !w.fileOnly {
		nn, err = w.w.Write(p)
	}
	if err == nil && w.file != nil {
		return w.file.Write(p)
	}
	return
}

// Echo outputs str only to the optional transcript file.
func (w *transcriptWriter) Echo(str string) {
	if w.file != nil {
		w.file.WriteString(str)
	}
}

// Flush flushes the optional transcript file.
func (w *transcriptWriter) Flush() {
	if w.file != nil {
		w.file.Flush()
	}
}

// CloseTranscript closes the optional transcript file.
func (w *transcriptWriter) CloseTranscript() error {
	if w.file == nil {
		return nil
	}
	w.file.Flush()
	w.fileOnly = false
	err := w.fh.Close()
	w.file = nil
	w.fh = nil
	return err
}

// TranscribeTo starts transcribing the output to fh, closing the previous
// transcript. If fileOnly is true the output will only go to the file.
func (w *transcriptWriter) TranscribeTo(fh io.WriteCloser, fileOnly bool) error {
	if err := w.CloseTranscript(); err != nil {
		return err
	}
	w.fh = fh
	w.file = bufio.NewWriter(fh)
	w.fileOnly = fileOnly
	return nil
}
