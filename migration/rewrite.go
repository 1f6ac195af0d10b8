package migration

import (
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
)

var (
	// public. and "public". qualifiers. \b keeps my_public. and xpublic. intact.
	publicQualifier = regexp.MustCompile(`(?:"public"|\bpublic)\.`)

	createTable = regexp.MustCompile(`(?i)\bCREATE\s+(?:(?:GLOBAL\s+|LOCAL\s+)?(?:TEMPORARY|TEMP)\s+|UNLOGGED\s+)?TABLE\s+`)
	createIndex = regexp.MustCompile(`(?i)\bCREATE\s+(?:UNIQUE\s+)?INDEX\s+(?:CONCURRENTLY\s+)?`)

	ifNotExists = regexp.MustCompile(`(?i)^IF\s+NOT\s+EXISTS\b`)
	// CREATE INDEX ON t (...) has no name, and IF NOT EXISTS requires one.
	unnamedIndex = regexp.MustCompile(`(?i)^ON\b`)
)

// Rewrite retargets a migration script at schemaName. References to the public
// schema become the quoted tenant schema, and CREATE TABLE / CREATE [UNIQUE]
// INDEX gain IF NOT EXISTS unless they already have it. Applying the rewrite
// twice gives the same text as applying it once.
func Rewrite(source, schemaName string) string {
	quoted := pgx.Identifier{schemaName}.Sanitize() + "."
	out := publicQualifier.ReplaceAllLiteralString(source, quoted)
	out = addIfNotExists(out, createTable, nil)
	out = addIfNotExists(out, createIndex, unnamedIndex)
	return out
}

func addIfNotExists(text string, create, skip *regexp.Regexp) string {
	matches := create.FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return text
	}

	var b strings.Builder
	b.Grow(len(text) + len(matches)*len("IF NOT EXISTS "))
	last := 0
	for _, m := range matches {
		end := m[1]
		rest := text[end:]
		b.WriteString(text[last:end])
		last = end
		if ifNotExists.MatchString(rest) || (skip != nil && skip.MatchString(rest)) {
			continue
		}
		b.WriteString("IF NOT EXISTS ")
	}
	b.WriteString(text[last:])
	return b.String()
}
