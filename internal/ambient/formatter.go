/*
Copyright 2016-2021 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ambient

import (
	"bytes"
	"fmt"

	"github.com/sirupsen/logrus"
)

// NewDefaultTextFormatter returns the text formatter used by every
// Portcullis process, colored when writing to a terminal.
func NewDefaultTextFormatter(enableColors bool) logrus.Formatter {
	return &textFormatter{enableColors: enableColors}
}

type textFormatter struct {
	enableColors bool
}

func (f *textFormatter) Format(e *logrus.Entry) ([]byte, error) {
	var buf bytes.Buffer
	level := e.Level.String()
	if f.enableColors {
		level = Color(levelColor(e.Level), level)
	}
	fmt.Fprintf(&buf, "%s [%s] %s",
		e.Time.Format("2006-01-02T15:04:05.000Z07:00"),
		level,
		e.Message)
	if component, ok := e.Data["component"]; ok {
		fmt.Fprintf(&buf, " component:%v", component)
	}
	for k, v := range e.Data {
		if k == "component" {
			continue
		}
		fmt.Fprintf(&buf, " %s:%v", k, v)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func levelColor(l logrus.Level) int {
	switch l {
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		return Red
	case logrus.WarnLevel:
		return Yellow
	case logrus.DebugLevel, logrus.TraceLevel:
		return Gray
	default:
		return Blue
	}
}
