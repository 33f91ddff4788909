// Package nlog is the cluster's logging facade: a thin, allocation-light
// wrapper that every other package calls instead of reaching for a logging
// library directly. The sink underneath is logrus.
/*
 * Copyright (c) 2024, CMS Federation contributors. All rights reserved.
 */
package nlog

import (
	"os"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

var (
	log      = logrus.New()
	stopping atomic.Bool
)

func init() {
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.SetLevel(logrus.InfoLevel)
}

// SetLevel adjusts verbosity; "debug", "info", "warn", "error".
func SetLevel(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
}

func Infoln(args ...any)              { log.Infoln(args...) }
func Infof(format string, args ...any) { log.Infof(format, args...) }

func Warningln(args ...any)              { log.Warnln(args...) }
func Warningf(format string, args ...any) { log.Warnf(format, args...) }

func Errorln(args ...any)              { log.Errorln(args...) }
func Errorf(format string, args ...any) { log.Errorf(format, args...) }

func Debugln(args ...any)              { log.Debugln(args...) }
func Debugf(format string, args ...any) { log.Debugf(format, args...) }

// SetStopping marks the process as shutting down; dispatch loops consult
// Stopping() to exit their read loops quietly instead of logging link
// errors during a deliberate shutdown.
func SetStopping() { stopping.Store(true) }

func Stopping() bool { return stopping.Load() }
