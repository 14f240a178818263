package opening

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freeeve/enginearena/internal/game"
)

const sicilianFEN = "rnbqkbnr/pp1ppppp/8/2p5/4P3/8/PPPP1PPP/RNBQKBNR w KQkq c6 0 2"

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func writeZst(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	enc, err := zstd.NewWriter(f)
	require.NoError(t, err)
	_, err = enc.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())
}

func TestParseEPD(t *testing.T) {
	e, err := ParseEPD(`r1bqkbnr/pppp1ppp/2n5/4p3/4P3/5N2/PPPP1PPP/RNBQKB1R w KQkq - bm Bb5 Bc4; id "open.1";`)
	require.NoError(t, err)
	assert.Equal(t, "r1bqkbnr/pppp1ppp/2n5/4p3/4P3/5N2/PPPP1PPP/RNBQKB1R w KQkq - 0 1", e.FEN)
	assert.Equal(t, "Bb5 Bc4", e.Opcodes["bm"])
	assert.Equal(t, "open.1", e.Opcodes["id"])

	e, err = ParseEPD(sicilianFEN)
	require.NoError(t, err)
	assert.Equal(t, sicilianFEN, e.FEN)
	assert.Empty(t, e.Opcodes)

	_, err = ParseEPD("not an epd")
	assert.Error(t, err)
}

func TestLoadPositionsAndGlob(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a", "one.epd"), "# comment\n"+sicilianFEN+"\n\n")
	writeZst(t, filepath.Join(dir, "b", "two.epd.zst"),
		`rnbqkbnr/pppppppp/8/8/3P4/8/PPP1PPPP/RNBQKBNR b KQkq - id "d4";`+"\n")

	book, err := Load(filepath.Join(dir, "**", "*.epd*"), Options{})
	require.NoError(t, err)
	require.Equal(t, 2, book.Len())
	assert.Equal(t, sicilianFEN, book.At(0).FEN)
	assert.Equal(t, "one.epd:1", book.At(0).Name)
	assert.Equal(t, "d4", book.At(1).Name)
	assert.Equal(t, book.At(0), book.At(2))
	assert.Equal(t, book.At(1), book.At(-1))

	_, err = Load(filepath.Join(dir, "*.nothing"), Options{})
	assert.Error(t, err)
}

func TestEmptyBookIsStartPosition(t *testing.T) {
	book, err := Load("", Options{})
	require.NoError(t, err)
	require.Equal(t, 1, book.Len())
	assert.Equal(t, game.StartFEN, book.At(7).FEN)
}

func TestOpeningRecord(t *testing.T) {
	o := Opening{Name: "italian", FEN: game.StartFEN, Moves: []string{"e2e4", "e7e5", "g1f3", "b8c6", "f1c4"}}
	rec, err := o.Record()
	require.NoError(t, err)
	require.Len(t, rec.Moves, 5)
	assert.True(t, rec.Moves[0].Book)
	assert.Equal(t, "Bc4", rec.Moves[4].SAN)
	assert.Equal(t, 3, rec.Moves[4].HalfmoveClock)
	assert.Equal(t, game.Black, rec.SideToMove())
	assert.Equal(t, "italian", rec.OpeningName)

	_, err = Opening{FEN: game.StartFEN, Moves: []string{"e2e5"}}.Record()
	assert.ErrorIs(t, err, game.ErrIllegalMove)
}

func TestClassifier(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.tsv"), "eco\tname\tpgn\n"+
		"B00\tKing's Pawn Game\t1. e4\n"+
		"C50\tItalian Game\t1. e4 e5 2. Nf3 Nc6 3. Bc4\n"+
		"X99\tbroken\t1. e5\n")

	c, err := LoadClassifier(filepath.Join(dir, "*.tsv"))
	require.NoError(t, err)
	assert.Equal(t, 2, c.Count())

	rec := &game.Record{StartFEN: game.StartFEN}
	for _, m := range []string{"e2e4", "e7e5", "g1f3", "b8c6", "f1c4", "g8f6"} {
		rec.Moves = append(rec.Moves, game.MoveRecord{Move: m})
	}
	cl, ok := c.Classify(rec)
	require.True(t, ok)
	assert.Equal(t, "C50", cl.ECO)

	rec.Moves = rec.Moves[:2]
	cl, ok = c.Classify(rec)
	require.True(t, ok)
	assert.Equal(t, "B00", cl.ECO)

	_, ok = c.Classify(&game.Record{StartFEN: sicilianFEN})
	assert.False(t, ok)
}
