// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log provides the process-global logger. Every package that needs
// to log outside of a request-scoped *zap.SugaredLogger (e.g. package init,
// fatal startup errors) goes through here instead of constructing its own
// zap.Logger.
package log

import (
	"go.uber.org/zap"
)

var _global = mustNewProduction()

func mustNewProduction() *zap.SugaredLogger {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	return l.Sugar()
}

// Configure replaces the global logger, e.g. with a development logger when
// running against a terminal instead of under a supervisor.
func Configure(l *zap.SugaredLogger) {
	_global = l
}

// With returns a child logger with the given key/value pairs attached.
func With(args ...interface{}) *zap.SugaredLogger {
	return _global.With(args...)
}

func Debugf(template string, args ...interface{}) { _global.Debugf(template, args...) }
func Infof(template string, args ...interface{})  { _global.Infof(template, args...) }
func Warnf(template string, args ...interface{})  { _global.Warnf(template, args...) }
func Errorf(template string, args ...interface{}) { _global.Errorf(template, args...) }
func Fatalf(template string, args ...interface{}) { _global.Fatalf(template, args...) }

func Debugw(msg string, kv ...interface{}) { _global.Debugw(msg, kv...) }
func Infow(msg string, kv ...interface{})  { _global.Infow(msg, kv...) }
func Warnw(msg string, kv ...interface{})  { _global.Warnw(msg, kv...) }
func Errorw(msg string, kv ...interface{}) { _global.Errorw(msg, kv...) }
func Fatalw(msg string, kv ...interface{}) { _global.Fatalw(msg, kv...) }
