package migration

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitTopLevel(t *testing.T) {
	script := `-- CreateTable
CREATE TABLE "widgets" (
    "id" SERIAL NOT NULL,
    "name" TEXT NOT NULL
);

CREATE INDEX "widgets_name_idx" ON "widgets"("name");
INSERT INTO widgets (name) VALUES ('a;b');`

	got := Split(script)
	assert.Equal(t, []string{
		"-- CreateTable\nCREATE TABLE \"widgets\" (\n    \"id\" SERIAL NOT NULL,\n    \"name\" TEXT NOT NULL\n);",
		`CREATE INDEX "widgets_name_idx" ON "widgets"("name");`,
		`INSERT INTO widgets (name) VALUES ('a;b');`,
	}, got)
}

func TestSplitDOBlockStaysWhole(t *testing.T) {
	script := `CREATE TYPE "Role" AS ENUM ('ADMIN', 'USER');
DO $$
BEGIN
    IF NOT EXISTS (SELECT 1 FROM pg_type WHERE typname = 'status') THEN
        CREATE TYPE status AS ENUM ('on', 'off');
    END IF;
    PERFORM 1;
END $$;
CREATE TABLE t (id int);`

	got := Split(script)
	assert.Len(t, got, 3)
	assert.Equal(t, `CREATE TYPE "Role" AS ENUM ('ADMIN', 'USER');`, got[0])
	assert.Contains(t, got[1], "CREATE TYPE status AS ENUM ('on', 'off');")
	assert.Contains(t, got[1], "END IF;")
	assert.True(t, len(got[1]) > 0 && got[1][:5] == "DO $$")
	assert.Equal(t, "CREATE TABLE t (id int);", got[2])
}

func TestSplitTaggedBlockAndLanguageClause(t *testing.T) {
	script := `DO $body$
BEGIN
  -- a $$ inside another tag does not close it
  RAISE NOTICE 'x;';
END
$body$ LANGUAGE plpgsql;
SELECT 2;`

	got := Split(script)
	assert.Len(t, got, 2)
	assert.Contains(t, got[0], "RAISE NOTICE 'x;';")
	assert.Contains(t, got[0], "$body$ LANGUAGE plpgsql;")
	assert.Equal(t, "SELECT 2;", got[1])
}

func TestSplitBlockClosedOnOpeningLine(t *testing.T) {
	got := Split("DO $$ BEGIN PERFORM 1; END $$;\nSELECT 1;")
	assert.Equal(t, []string{"DO $$ BEGIN PERFORM 1; END $$;", "SELECT 1;"}, got)
}

func TestSplitBlockTerminatorOnLaterLine(t *testing.T) {
	got := Split("DO $$\nBEGIN NULL; END\n$$\n;\nSELECT 1;")
	assert.Equal(t, []string{"DO $$\nBEGIN NULL; END\n$$\n;", "SELECT 1;"}, got)
}

func TestSplitFunctionBody(t *testing.T) {
	script := `CREATE OR REPLACE FUNCTION touch() RETURNS trigger AS $$
BEGIN
  NEW.updated_at = now();
  RETURN NEW;
END;
$$ LANGUAGE plpgsql;`

	got := Split(script)
	assert.Len(t, got, 1)
	assert.Contains(t, got[0], "RETURN NEW;")
}

func TestSplitTrailingTextAndBlanks(t *testing.T) {
	got := Split("SELECT 1;\n\n   \n-- only a comment;\n\nSELECT 2")
	assert.Equal(t, []string{"SELECT 1;", "SELECT 2"}, got)

	assert.Empty(t, Split(""))
	assert.Empty(t, Split("\n\n-- nothing here\n"))
}

func TestSplitCRLF(t *testing.T) {
	got := Split("SELECT 1;\r\nSELECT 2;\r\n")
	assert.Equal(t, []string{"SELECT 1;", "SELECT 2;"}, got)
}

func TestSplitUnterminatedBlockIsOneStatement(t *testing.T) {
	got := Split("DO $$\nBEGIN\n  PERFORM 1;\nEND;")
	assert.Len(t, got, 1, "an unclosed block is flushed as a single trailing statement")
}

func TestSplitIgnoresBlockKeywordsInComments(t *testing.T) {
	script := `-- note: DO $$ blocks below are rewritten
CREATE TABLE a (id int);
CREATE TABLE b (id int);
  -- returns AS $fn$
CREATE TABLE c (id int);`

	got := Split(script)
	assert.Equal(t, []string{
		"-- note: DO $$ blocks below are rewritten\nCREATE TABLE a (id int);",
		"CREATE TABLE b (id int);",
		"-- returns AS $fn$\nCREATE TABLE c (id int);",
	}, got)
}
