// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Command impluse is the thin CLI surface over the conversion core:
// analyze, list, extract, archive, and convert. Each subcommand consumes
// the package API (tree build, volume read/write, encoding conversion)
// and contributes no engineering of its own.
package main

func main() {
	Execute()
}
