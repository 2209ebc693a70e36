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
	"github.com/gravitational/kingpin"
)

// InitCLIParser configures a kingpin application with the defaults shared
// by every portcullis CLI verb: repeatable flags and a hidden --help.
func InitCLIParser(appName, appHelp string) *kingpin.Application {
	app := kingpin.New(appName, appHelp)
	app.AllRepeatable(true)
	app.HelpFlag.Hidden()
	app.HelpFlag.NoEnvar()
	return app
}

// OutputFormat is the --format flag shared by every read verb.
type OutputFormat string

const (
	FormatText OutputFormat = "text"
	FormatJSON OutputFormat = "json"
	FormatYAML OutputFormat = "yaml"
)
