// Package preflight provides readiness checks for the tools and filesystem
// paths the pipeline depends on.
//
// These checks run in two contexts:
//   - The daemon runs RunAll at startup so a misconfigured source or a
//     missing tool surfaces before the first multi-gigabyte transfer.
//   - The CLI "gantry status" command uses the individual check functions
//     to display tool and source health.
package preflight
