// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package errors provides user-facing error types for the sepasync CLI.
//
// A UserError carries a short title, the likely cause and a suggested fix,
// so fatal failures can be printed in a form an operator can act on.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"

	"github.com/fatih/color"
)

// Exit codes used by the CLI.
const (
	ExitSuccess = 0
	ExitFatal   = 1
)

// Category classifies a UserError for display and JSON output.
type Category string

const (
	CategoryConfig     Category = "config"
	CategoryInput      Category = "input"
	CategoryNetwork    Category = "network"
	CategoryPermission Category = "permission"
	CategoryDatabase   Category = "database"
	CategoryInternal   Category = "internal"
)

// UserError is an error with enough context to explain itself to a human.
type UserError struct {
	Category Category
	Title    string
	Cause    string
	Fix      string
	ExitCode int
	Err      error
}

func (e *UserError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Title, e.Err)
	}
	return e.Title
}

func (e *UserError) Unwrap() error { return e.Err }

func newUserError(cat Category, title, cause, fix string, err error) *UserError {
	return &UserError{
		Category: cat,
		Title:    title,
		Cause:    cause,
		Fix:      fix,
		ExitCode: ExitFatal,
		Err:      err,
	}
}

// NewConfigError reports an invalid or unreadable configuration.
func NewConfigError(title, cause, fix string, err error) *UserError {
	return newUserError(CategoryConfig, title, cause, fix, err)
}

// NewInputError reports bad command-line input.
func NewInputError(title, cause, fix string, err error) *UserError {
	return newUserError(CategoryInput, title, cause, fix, err)
}

// NewNetworkError reports a failure talking to the feed or a remote service.
func NewNetworkError(title, cause, fix string, err error) *UserError {
	return newUserError(CategoryNetwork, title, cause, fix, err)
}

// NewPermissionError reports a filesystem permission problem.
func NewPermissionError(title, cause, fix string, err error) *UserError {
	return newUserError(CategoryPermission, title, cause, fix, err)
}

// NewDatabaseError reports a failure in the snapshot or the remote store.
func NewDatabaseError(title, cause, fix string, err error) *UserError {
	return newUserError(CategoryDatabase, title, cause, fix, err)
}

// NewInternalError reports something that should not happen.
func NewInternalError(title, cause, fix string, err error) *UserError {
	return newUserError(CategoryInternal, title, cause, fix, err)
}

type jsonError struct {
	Category string `json:"category"`
	Title    string `json:"title"`
	Cause    string `json:"cause,omitempty"`
	Fix      string `json:"fix,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// Format renders err for the terminal. Plain errors are rendered as internal errors.
func Format(err error) string {
	ue := asUserError(err)
	red := color.New(color.FgRed, color.Bold)
	out := red.Sprintf("Error: %s", ue.Title) + "\n"
	if ue.Cause != "" {
		out += fmt.Sprintf("  Cause: %s\n", ue.Cause)
	}
	if ue.Fix != "" {
		out += color.New(color.FgCyan).Sprintf("  Fix:   %s", ue.Fix) + "\n"
	}
	if ue.Err != nil {
		out += color.New(color.Faint).Sprintf("  Detail: %v", ue.Err) + "\n"
	}
	return out
}

// FatalError prints err to stderr (as JSON when asJSON is set) and exits.
func FatalError(err error, asJSON bool) {
	ue := asUserError(err)
	if asJSON {
		je := jsonError{Category: string(ue.Category), Title: ue.Title, Cause: ue.Cause, Fix: ue.Fix}
		if ue.Err != nil {
			je.Detail = ue.Err.Error()
		}
		_ = json.NewEncoder(os.Stderr).Encode(map[string]jsonError{"error": je})
	} else {
		fmt.Fprint(os.Stderr, Format(ue))
	}
	os.Exit(ue.ExitCode)
}

func asUserError(err error) *UserError {
	var ue *UserError
	if stderrors.As(err, &ue) {
		return ue
	}
	return NewInternalError("Unexpected error", "", "", err)
}
