// ABOUTME: Help display for the conductor CLI with grouped flags, examples, and environment status.
// ABOUTME: Provides printHelp for polished usage output and envStatus for API key detection.
package main

import (
	"fmt"
	"io"
	"os"
)

const conductorASCII = `
                             _.-----.._____,-~~~~-._...__
                          ,-'            /         ` + "`" + `....
                        ,'             ,'      .  .  \::.
                      ,'        . ''    :     . \  ` + "`" + `./::..
                    ,'    ..   .     .      .  . : ;':::.
                   /     :go. :       . :    \ : ;'.::.
                   |     ' .o8)     .  :|    : ,'. .
                  /     :   ~:'  . '   :/  . :/. .
                 /       ,  '          |   : /. .
                /       ,              |   ./.
                L._    .       ,' .:.  /  ,'.
               /-.     :.--._,-'~~~~~~| ,'|:
              ,--.    /   .:/         |/::| ` + "`" + `.
              |-.    /   .;'      .-__)::/    \
 ...._____...-|-.  ,'  .;'      .' '.'|;'      |
   ~--..._____\-_-'  .:'      .'   /  '
    ___....--~~   _.-' ` + "`" + `.___.'   ./
      ~~------+~~_. .    ~~    .,'
                  ~:_.' . . ._:'
                     ~~-+-+~~
`

// printHelp writes a formatted help message to w, including usage patterns,
// grouped flags, examples, environment status, and a docs link.
func printHelp(w io.Writer, ver string) {
	fmt.Fprint(w, conductorASCII)
	fmt.Fprintf(w, "conductor %s — multi-provider coding agent session runtime\n", ver)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  conductor [chat]                   Start an interactive agent session")
	fmt.Fprintln(w, "  conductor setup                     Interactive setup wizard")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Session Flags:")
	fmt.Fprintln(w, "  -provider <name>      anthropic, openai, or gemini (default: first detected)")
	fmt.Fprintln(w, "  -model <name>         Model ID or alias (default: provider's default model)")
	fmt.Fprintln(w, "  -profile <file>       YAML file describing session configuration")
	fmt.Fprintln(w, "  -working-dir <dir>    Working directory the agent operates in (default: CWD)")
	fmt.Fprintln(w, "  -data-dir <dir>       Persistent state directory (default: XDG data dir)")
	fmt.Fprintln(w, "  -max-turns <n>        Maximum assistant turns before the session stops")
	fmt.Fprintln(w, "  -compaction <mode>    History compaction: truncate, compact, summary:low|medium|high")
	fmt.Fprintln(w, "  -tui                  Run with interactive terminal UI")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Other:")
	fmt.Fprintln(w, "  -version              Print version and exit")
	fmt.Fprintln(w, "  -help                 Show this help")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Examples:")
	fmt.Fprintln(w, "  conductor")
	fmt.Fprintln(w, "  conductor -provider openai -model gpt-5.2")
	fmt.Fprintln(w, "  conductor -profile session.yaml")
	fmt.Fprintln(w, "  conductor setup")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Environment:")
	fmt.Fprintf(w, "  ANTHROPIC_API_KEY     %s\n", envStatus("ANTHROPIC_API_KEY"))
	fmt.Fprintf(w, "  OPENAI_API_KEY        %s\n", envStatus("OPENAI_API_KEY"))
	fmt.Fprintf(w, "  GEMINI_API_KEY        %s\n", envStatus("GEMINI_API_KEY"))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  At least one API key is required to start a session.")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Docs: https://github.com/2389-research/conductor")
}

// envStatus returns "[set]" if the named environment variable is non-empty,
// or "[not set]" otherwise.
func envStatus(key string) string {
	if os.Getenv(key) != "" {
		return "[set]"
	}
	return "[not set]"
}
