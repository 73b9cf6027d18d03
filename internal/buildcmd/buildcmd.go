// Package buildcmd validates and rewrites user-supplied build commands.
//
// Commands are chains of "&&"-separated segments. Validation enforces the
// platform allow-list before a command is persisted; rewriting maps
// npm/yarn/pnpm invocations onto bun, which is the only package manager
// installed on build hosts.
package buildcmd

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// allowedLeads are the binaries a segment may start with.
var allowedLeads = []string{"npm", "yarn", "pnpm", "bun", "echo", "ls"}

// deniedTokens must not appear anywhere in the command string.
var deniedTokens = []string{
	"rm -rf", "sudo", "wget", "curl", "eval",
	"|", ";", ">", "<",
	"/etc/passwd", "/etc/shadow", "/bin/sh", "/bin/bash",
}

// compileTools mark a build command that actually compiles something, as
// opposed to a dev-server invocation.
var compileTools = []string{
	"tsc", "esbuild", "swc", "rollup", "webpack", "parcel",
	"vite build", "next build", "tsup", "unbuild", "ncc",
}

var runBuildRe = regexp.MustCompile(`\b(npm|bun|yarn|pnpm)\s+run\s+build\b`)

// Validate checks a build command against the allow-list. Each non-empty
// "&&" segment must start with an allowed binary and the whole string must
// be free of denied tokens.
func Validate(command string) error {
	if strings.TrimSpace(command) == "" {
		return fmt.Errorf("build command cannot be empty")
	}

	for _, token := range deniedTokens {
		if strings.Contains(command, token) {
			return fmt.Errorf("build command contains a disallowed token %q", token)
		}
	}

	for _, seg := range strings.Split(command, "&&") {
		fields := strings.Fields(seg)
		if len(fields) == 0 {
			continue
		}
		if !slices.Contains(allowedLeads, fields[0]) {
			return fmt.Errorf("build command segment %q must start with one of: %s",
				strings.TrimSpace(seg), strings.Join(allowedLeads, ", "))
		}
	}
	return nil
}

// Rewrite maps package-manager invocations onto bun, segment by segment.
// Segments already using bun, or using none of the known managers, pass
// through unchanged, which makes Rewrite idempotent.
func Rewrite(command string) string {
	segments := strings.Split(command, "&&")
	out := make([]string, 0, len(segments))
	for _, seg := range segments {
		out = append(out, rewriteSegment(strings.TrimSpace(seg)))
	}
	return strings.Join(out, " && ")
}

func rewriteSegment(seg string) string {
	fields := strings.Fields(seg)
	if len(fields) == 0 {
		return seg
	}

	switch fields[0] {
	case "npm":
		if len(fields) >= 2 {
			switch fields[1] {
			case "install", "i", "ci":
				return "bun install"
			case "run":
				if len(fields) >= 3 {
					return "bun run " + strings.Join(fields[2:], " ")
				}
			}
		}
	case "pnpm":
		if len(fields) >= 2 {
			switch fields[1] {
			case "install", "i":
				return "bun install"
			case "run":
				if len(fields) >= 3 {
					return "bun run " + strings.Join(fields[2:], " ")
				}
			}
		}
	case "yarn":
		if len(fields) == 1 || fields[1] == "install" {
			return "bun install"
		}
		// yarn's implicit run form, except package mutations.
		switch fields[1] {
		case "add", "remove":
			return seg
		}
		return "bun run " + strings.Join(fields[1:], " ")
	}
	return seg
}

// HasCompileStep reports whether the command invokes a compilation tool.
// Backend projects without a compile step ship their source as-is.
func HasCompileStep(command string) bool {
	for _, tool := range compileTools {
		if strings.Contains(command, tool) {
			return true
		}
	}
	return runBuildRe.MatchString(command)
}
