//go:build !linux

package worker

import "github.com/rs/zerolog"

func pinAffinity(int, zerolog.Logger) {}
