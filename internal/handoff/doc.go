// Package handoff produces and reads the artifact that carries a coverage
// report from the unprivileged pipeline to the publication workflow.
//
// Artifact contract. The bundle is a zip archive named after Layout.Name
// (default "codecov_report") holding exactly three files at its root:
//
//	<report>          the coverage report as produced by the test run
//	pr_number.txt     the pull request number, or empty for a push
//	sha.txt           the originating commit id (40 or 64 lowercase hex digits)
//
// Each metadata file holds one value followed by a newline. Nothing else is
// ever added to the bundle, and a bundle is never written when any of the
// three is missing.
//
// Stores address bundles by (name, commit, run id). The publication side
// looks a bundle up by the commit it is about to report on and verifies its
// BLAKE3 digest; it trusts nothing else the producing run says about itself.
package handoff
