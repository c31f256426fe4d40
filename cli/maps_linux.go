//go:build linux

package main

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"

	"github.com/sliverarmory/soload/memmod"
)

func printMappings(out io.Writer, start uintptr, size int) error {
	all, err := memmod.ReadMappings()
	if err != nil {
		return err
	}
	end := start + uintptr(size)
	for _, m := range all {
		if m.End <= start || m.Start >= end {
			continue
		}
		fmt.Fprintf(out, "  %#x-%#x %s %8s %s\n", m.Start, m.End, m.Perms, humanize.IBytes(uint64(m.End-m.Start)), m.Path)
	}
	return nil
}
