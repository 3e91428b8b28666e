// Package preflight provides readiness checks for the filesystem paths and
// external services specscan depends on.
//
// These checks run in two contexts:
//   - The fetch stage calls RunAll before transferring tiles. If any check
//     fails, the stage stops before partially filling the scratch disk.
//   - The CLI "specscan health" command renders every result.
package preflight
