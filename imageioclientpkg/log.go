// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package iclientpkg

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

var (
	logMu   sync.Mutex
	logFile *os.File
)

func logError(err error) {
	logf("ERROR", "%v", err)
}

func logErrorf(format string, args ...interface{}) {
	logf("ERROR", format, args...)
}

func logWarnf(format string, args ...interface{}) {
	logf("WARN", format, args...)
}

func logInfof(format string, args ...interface{}) {
	logf("INFO", format, args...)
}

func logTracef(format string, args ...interface{}) {
	if globals.config.TraceEnabled {
		logf("TRACE", format, args...)
	}
}

func logf(level string, format string, args ...interface{}) {
	msg := fmt.Sprintf("[%s][%s] "+format, append([]interface{}{time.Now().Format(time.RFC3339Nano), level}, args...)...)

	logMu.Lock()
	defer logMu.Unlock()

	if logFile == nil && globals.config.LogFilePath != "" {
		f, err := os.OpenFile(globals.config.LogFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0666)
		if err == nil {
			logFile = f
		}
	}
	if logFile != nil {
		_, _ = logFile.WriteString(msg + "\n")
	}
	if globals.config.LogToConsole {
		fmt.Fprintln(os.Stderr, msg)
	}
}

// closeLog closes the log file, if one is open.
func closeLog() {
	logMu.Lock()
	defer logMu.Unlock()
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
}

// rotateLog closes the current log file if one is open, compresses
// whatever is at globals.config.LogFilePath to
// "<path>.<unixNano>.zst", and reopens a fresh file there. Init calls
// this when the log file it's about to append to has already grown
// past LogMaxSizeBytes, and a long-running embedder can call
// RotateLog on its own schedule (e.g. on SIGHUP).
func rotateLog() error {
	logMu.Lock()
	defer logMu.Unlock()

	path := globals.config.LogFilePath
	if path == "" {
		return nil
	}

	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}

	compressedPath := fmt.Sprintf("%s.%d.zst", path, time.Now().UnixNano())
	if err := compressAndRemove(path, compressedPath); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0666)
	if err != nil {
		return err
	}
	logFile = f
	return nil
}

// RotateLog compresses and archives the current log file and reopens
// a fresh one, for a long-running embedder of this package that wants
// to rotate on its own signal or schedule rather than rely on Init's
// size check at process start.
func RotateLog() error {
	return rotateLog()
}

func compressAndRemove(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	enc, err := zstd.NewWriter(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(enc, src); err != nil {
		_ = enc.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}

	return os.Remove(srcPath)
}
