// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"io"
	"os"

	log "github.com/sirupsen/logrus"
)

var logFile *os.File = nil

func init() {
	log.SetFormatter(&log.TextFormatter{DisableColors: true})

	// NOTE: We always enable max logging in logrus and decide in this
	//       package whether to emit a given entry.
	log.SetLevel(log.DebugLevel)
}

// SetLogFilePath redirects logging to the named file in addition to the
// default destination of stderr. An empty path reverts to stderr only.
func SetLogFilePath(logFilePath string) (err error) {
	if logFile != nil {
		logFile.Close()
		logFile = nil
		log.SetOutput(os.Stderr)
	}

	if logFilePath == "" {
		return nil
	}

	logFile, err = os.OpenFile(logFilePath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Errorf("couldn't open log file: %v", err)
		return err
	}

	output := &multiWriter{}
	output.addWriter(logFile)
	output.addWriter(os.Stderr)
	log.SetOutput(output)

	return nil
}

// AddLogTarget adds another target for log messages to be written to.
// writer is called once for each log message; useful for test cases that
// need to inspect what was logged.
func AddLogTarget(writer io.Writer) {
	output := &multiWriter{}
	if logFile != nil {
		output.addWriter(logFile)
	}
	output.addWriter(os.Stderr)
	output.addWriter(writer)
	log.SetOutput(output)
}

type multiWriter struct {
	writers []io.Writer
}

func (mw *multiWriter) addWriter(writer io.Writer) {
	mw.writers = append(mw.writers, writer)
}

func (mw *multiWriter) Write(p []byte) (n int, err error) {
	for _, writer := range mw.writers {
		n, err = writer.Write(p)
		if err != nil {
			return
		}
	}
	return
}
