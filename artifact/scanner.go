// Package artifact implements the stdout artifact marker protocol.
//
// Executed code declares files it wants copied out of the backend by
// printing a line containing the literal token "ARTIFACT_PATH:" immediately
// followed by a whitespace-delimited path. Scanning is a pure function over
// captured stdout and carries no backend or session state.
package artifact

import "regexp"

// Marker is the literal stdout token that precedes a declared artifact path.
const Marker = "ARTIFACT_PATH:"

var markerPattern = regexp.MustCompile(Marker + `(\S+)`)

// ExtractPaths returns every artifact path declared in stdout, in first
// occurrence order. Duplicates are preserved; callers decide how to handle
// repeated declarations.
func ExtractPaths(stdout string) []string {
	matches := markerPattern.FindAllStringSubmatch(stdout, -1)
	if len(matches) == 0 {
		return nil
	}

	paths := make([]string, 0, len(matches))
	for _, m := range matches {
		paths = append(paths, m[1])
	}
	return paths
}
