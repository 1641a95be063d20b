// Package secrets redacts credentials from reflection text before it is
// copied into insight titles and evidence.
//
// Detection uses the gitleaks default rule set plus a few assignment
// patterns (password=..., Authorization: Bearer ...) that gitleaks only
// reports above its entropy thresholds.
package secrets
