package ingestion_engine

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// SourceIDForContent derives a file source id from its bytes, so uploading
// the same file twice refreshes one source instead of creating two.
func SourceIDForContent(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:16])
}

// SourceIDForSite derives a web source id from the site url.
func SourceIDForSite(siteURL string) string {
	return SourceIDForContent([]byte("site:" + strings.TrimRight(strings.TrimSpace(siteURL), "/")))
}

func PageID(sourceID, url string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(sourceID+"|"+url)).String()
}

func ChunkID(sourceID, url string, chunkNumber int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(sourceID+"|"+url+"|"+strconv.Itoa(chunkNumber))).String()
}

// ImageID is derived from the storage path, which is unique per image.
func ImageID(storagePath string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(storagePath)).String()
}
