package config

import (
	"io"
	"log"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// SetupLog points the standard logger at a rotating file when log.file is
// set and leaves it on stderr otherwise.
func SetupLog(l Log) io.Closer {
	if strings.TrimSpace(l.File) == "" {
		log.SetOutput(os.Stderr)
		return nopCloser{}
	}
	rotating := &lumberjack.Logger{
		Filename:   l.File,
		MaxSize:    l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
	}
	log.SetOutput(rotating)
	return rotating
}
