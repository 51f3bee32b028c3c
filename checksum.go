package vfskit

import (
	"context"
	"crypto/md5"  //nolint:gosec // MD5 used for checksum verification, not security
	"crypto/sha1" //nolint:gosec // SHA1 used for checksum verification, not security
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"hash/crc32"
	"io"

	"github.com/cespare/xxhash/v2"
	"gitlab.com/tozd/go/errors"
)

// ChecksumAlgorithm names a digest.
type ChecksumAlgorithm string

const (
	ChecksumMD5    ChecksumAlgorithm = "md5"
	ChecksumSHA1   ChecksumAlgorithm = "sha1"
	ChecksumSHA256 ChecksumAlgorithm = "sha256"
	ChecksumSHA512 ChecksumAlgorithm = "sha512"
	ChecksumCRC32  ChecksumAlgorithm = "crc32"
	// ChecksumXXHash is the algorithm used to verify copies.
	ChecksumXXHash ChecksumAlgorithm = "xxhash"
)

// NewHasher returns a fresh hash for algorithm, or ErrNotSupported.
func NewHasher(algorithm ChecksumAlgorithm) (hash.Hash, error) {
	switch algorithm {
	case ChecksumMD5:
		return md5.New(), nil //nolint:gosec // MD5 used for checksum verification, not security
	case ChecksumSHA1:
		return sha1.New(), nil //nolint:gosec // SHA1 used for checksum verification, not security
	case ChecksumSHA256:
		return sha256.New(), nil
	case ChecksumSHA512:
		return sha512.New(), nil
	case ChecksumCRC32:
		return crc32.NewIEEE(), nil
	case ChecksumXXHash:
		return xxhash.New(), nil
	default:
		return nil, errors.Errorf("%w: unsupported checksum algorithm: %s", ErrNotSupported, algorithm)
	}
}

// CalculateChecksum drains r and returns its digest in hex.
func CalculateChecksum(r io.Reader, algorithm ChecksumAlgorithm) (string, error) {
	h, err := NewHasher(algorithm)
	if err != nil {
		return "", err
	}

	if _, err := io.Copy(h, r); err != nil {
		return "", errors.Errorf("failed to calculate checksum: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// Checksum reads p from prov and returns its checksum.
func Checksum(ctx context.Context, prov Provider, p VirtualPath, algorithm ChecksumAlgorithm) (string, error) {
	r, err := prov.OpenRead(ctx, p)
	if err != nil {
		return "", err
	}
	defer r.Close()
	return CalculateChecksum(r, algorithm)
}

// VerifyCopy compares the xxhash of src and dst and returns
// ErrChecksumMismatch when they differ.
func VerifyCopy(ctx context.Context, srcProv Provider, src VirtualPath, dstProv Provider, dst VirtualPath) error {
	want, err := Checksum(ctx, srcProv, src, ChecksumXXHash)
	if err != nil {
		return err
	}
	got, err := Checksum(ctx, dstProv, dst, ChecksumXXHash)
	if err != nil {
		return err
	}
	if want != got {
		return NewPathError("verify", dst, ErrChecksumMismatch)
	}
	return nil
}
