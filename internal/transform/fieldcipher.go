package transform

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"strings"
)

const nonceSize = 12

// FieldCipher encrypts configured CSV columns with AES-GCM. Each encrypted
// value is base64(nonce || ciphertext) with a fresh random nonce, so repeated
// plaintexts never produce the same output.
//
// Files are processed line by line: a record that cannot be parsed, or whose
// field count does not match the header, is tagged as failed and written out
// unmodified. In strict mode any record failure fails the whole file.
type FieldCipher struct {
	aead    cipher.AEAD
	columns []string
	strict  bool
}

// NewFieldCipher builds a FieldCipher from a hex-encoded 256-bit key.
func NewFieldCipher(hexKey string, columns []string, strict bool) (*FieldCipher, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("cipher key is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("cipher key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, err
	}

	return &FieldCipher{aead: aead, columns: columns, strict: strict}, nil
}

func (c *FieldCipher) Transform(ctx context.Context, content []byte) ([]byte, Result, error) {
	text := string(content)
	trailingNewline := strings.HasSuffix(text, "\n")
	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, Result{}, fmt.Errorf("file has no header record")
	}

	header, err := parseRecord(lines[0])
	if err != nil {
		return nil, Result{}, fmt.Errorf("invalid header record: %w", err)
	}

	// Columns absent from the header are simply not encrypted; a file with no
	// sensitive fields passes through as-is.
	targets := make([]int, 0, len(c.columns))
	for i, col := range header {
		for _, want := range c.columns {
			if strings.EqualFold(strings.TrimSpace(col), want) {
				targets = append(targets, i)
				break
			}
		}
	}

	var res Result
	out := make([]string, 0, len(lines))
	out = append(out, lines[0])

	for _, line := range lines[1:] {
		if err := ctx.Err(); err != nil {
			return nil, res, err
		}
		res.Records++

		fields, err := parseRecord(line)
		switch {
		case err != nil:
			res.Failed = append(res.Failed, RecordError{Record: res.Records, Reason: err.Error()})
			out = append(out, line)
			continue
		case len(fields) != len(header):
			res.Failed = append(res.Failed, RecordError{
				Record: res.Records,
				Reason: fmt.Sprintf("expected %d fields, got %d", len(header), len(fields)),
			})
			out = append(out, line)
			continue
		}

		for _, idx := range targets {
			enc, err := c.seal(fields[idx])
			if err != nil {
				return nil, res, fmt.Errorf("encrypting record %d: %w", res.Records, err)
			}
			fields[idx] = enc
		}

		encoded, err := writeRecord(fields)
		if err != nil {
			return nil, res, fmt.Errorf("encoding record %d: %w", res.Records, err)
		}
		out = append(out, encoded)
	}

	if c.strict && len(res.Failed) > 0 {
		first := res.Failed[0]
		return nil, res, fmt.Errorf("strict mode: %d malformed record(s), first at %s", len(res.Failed), first)
	}

	joined := strings.Join(out, "\n")
	if trailingNewline {
		joined += "\n"
	}
	return []byte(joined), res, nil
}

func (c *FieldCipher) seal(value string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(value), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// open reverses seal. Kept for the receiving side and for tests.
func (c *FieldCipher) open(value string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return "", err
	}
	if len(raw) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}
	plain, err := c.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func parseRecord(line string) ([]string, error) {
	r := csv.NewReader(strings.NewReader(line))
	return r.Read()
}

func writeRecord(fields []string) (string, error) {
	var b strings.Builder
	w := csv.NewWriter(&b)
	if err := w.Write(fields); err != nil {
		return "", err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}
	return strings.TrimSuffix(b.String(), "\n"), nil
}

var _ Transformer = (*FieldCipher)(nil)
