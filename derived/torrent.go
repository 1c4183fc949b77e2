package derived

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"
)

// torrentPieceLength is the piece size advertised in generated torrents.
const torrentPieceLength = 512 << 10

// TorrentMediaType is the Content-Type of a generated torrent file.
const TorrentMediaType = "application/x-bittorrent"

// buildTorrent renders a single-file torrent whose only data source is
// the webseed URL. Dictionary keys are emitted in sorted order as
// bencode requires.
func buildTorrent(name string, size int64, pieces []byte, webseed string) []byte {
	var buf bytes.Buffer

	buf.WriteByte('d')

	benString(&buf, "info")
	buf.WriteByte('d')
	benString(&buf, "length")
	benInt(&buf, size)
	benString(&buf, "name")
	benString(&buf, name)
	benString(&buf, "piece length")
	benInt(&buf, torrentPieceLength)
	benString(&buf, "pieces")
	benBytes(&buf, pieces)
	buf.WriteByte('e')

	benString(&buf, "url-list")
	buf.WriteByte('l')
	benString(&buf, webseed)
	buf.WriteByte('e')

	buf.WriteByte('e')
	return buf.Bytes()
}

// hashPieces computes the SHA-1 piece digests of the artifact stream.
func hashPieces(r io.Reader) ([]byte, error) {
	var pieces []byte
	buf := make([]byte, torrentPieceLength)

	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			sum := sha1.Sum(buf[:n])
			pieces = append(pieces, sum[:]...)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return pieces, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func benString(buf *bytes.Buffer, s string) {
	fmt.Fprintf(buf, "%d:%s", len(s), s)
}

func benBytes(buf *bytes.Buffer, p []byte) {
	fmt.Fprintf(buf, "%d:", len(p))
	buf.Write(p)
}

func benInt(buf *bytes.Buffer, i int64) {
	fmt.Fprintf(buf, "i%de", i)
}
