// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package toml adds config wrapper types for values the TOML libraries do
// not handle natively.
package toml

import "time"

// Duration is a TOML wrapper type for time.Duration. It also satisfies
// pflag.Value so durations work as command line flags.
type Duration time.Duration

// String returns the string representation of the duration.
func (d Duration) String() string { return time.Duration(d).String() }

// Set parses a flag value into the duration.
func (d *Duration) Set(value string) error {
	return d.UnmarshalText([]byte(value))
}

// Type returns the flag type name.
func (d Duration) Type() string { return "duration" }

// UnmarshalText parses a TOML value into a duration value.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}

	*d = Duration(v)
	return nil
}

// MarshalText writes duration value in text format.
func (d Duration) MarshalText() (text []byte, err error) {
	return []byte(d.String()), nil
}

// MarshalTOML write duration into valid TOML.
func (d Duration) MarshalTOML() ([]byte, error) {
	return []byte(d.String()), nil
}
