// Package audio keeps recordings that could not be processed immediately and
// submits them to the AI backend once the server is reachable again.
//
// Each artifact is a blob file under the artifact directory plus a metadata
// row in the agent database. Flush works oldest first and one artifact at a
// time; a transient failure puts the artifact back to pending and ends the
// run, so a flapping link never turns into a busy loop. Processed artifacts
// lose their blob because the transcript now lives on the care entry.
package audio
