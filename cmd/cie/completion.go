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

package main

import (
	"fmt"
	"os"
)

const bashCompletion = `# bash completion for cie
_cie_completions() {
    local cur prev commands
    cur="${COMP_WORDS[COMP_CWORD]}"
    prev="${COMP_WORDS[COMP_CWORD-1]}"
    commands="ingest query jobs status reset serve scope init install-hook completion"

    case "${prev}" in
        cie)
            COMPREPLY=($(compgen -W "${commands}" -- "${cur}"))
            return 0
            ;;
        ingest)
            COMPREPLY=($(compgen -W "local repo crawl" -- "${cur}"))
            return 0
            ;;
        jobs)
            COMPREPLY=($(compgen -W "get list" -- "${cur}"))
            return 0
            ;;
        completion)
            COMPREPLY=($(compgen -W "bash zsh" -- "${cur}"))
            return 0
            ;;
        local)
            COMPREPLY=($(compgen -d -- "${cur}"))
            return 0
            ;;
        --mode)
            COMPREPLY=($(compgen -W "single sitemap recursive" -- "${cur}"))
            return 0
            ;;
        --state)
            COMPREPLY=($(compgen -W "queued running succeeded failed skipped cancelled" -- "${cur}"))
            return 0
            ;;
    esac

    if [[ "${cur}" == -* ]]; then
        COMPREPLY=($(compgen -W "--project --dataset --force --async --json --quiet --no-color --verbose --config --top-k --answer" -- "${cur}"))
        return 0
    fi
}
complete -F _cie_completions cie
`

const zshCompletion = `#compdef cie
# zsh completion for cie

_cie() {
    local -a commands
    commands=(
        'ingest:Ingest a local path, git repo, or crawled site'
        'query:Run a retrieval query'
        'jobs:Inspect jobs'
        'status:Show a project summary'
        'reset:Delete vector collections'
        'serve:Run the HTTP + WebSocket server'
        'scope:Show auto-detected project/dataset'
        'init:Write the default config'
        'install-hook:Install the git post-commit hook'
        'completion:Print shell completion script'
    )

    if (( CURRENT == 2 )); then
        _describe 'command' commands
        return
    fi

    case "${words[2]}" in
        ingest)
            (( CURRENT == 3 )) && _values 'source' local repo crawl
            ;;
        jobs)
            (( CURRENT == 3 )) && _values 'subcommand' get list
            ;;
        completion)
            (( CURRENT == 3 )) && _values 'shell' bash zsh
            ;;
    esac
    _files
}

_cie "$@"
`

// runCompletion prints the completion script for the requested shell.
// Install with e.g. `cie completion bash > /etc/bash_completion.d/cie`.
func runCompletion(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: cie completion <bash|zsh>")
		os.Exit(1)
	}
	switch args[0] {
	case "bash":
		fmt.Print(bashCompletion)
	case "zsh":
		fmt.Print(zshCompletion)
	default:
		fmt.Fprintf(os.Stderr, "Unsupported shell: %s (want bash or zsh)\n", args[0])
		os.Exit(1)
	}
}
