package source

import "fmt"

// ringGeometry picks the TPACKET frame size, block size and block count
// for a per-socket memory budget. Frames are aligned to TPACKET_ALIGNMENT,
// blocks are page multiples holding whole frames.
func ringGeometry(bufferMB, snapLen, pageSize int) (frameSize, blockSize, numBlocks int, err error) {
	const (
		tpacketAlignment = 16
		tpacketHdrLen    = 52
		maxBlockSize     = 4 << 20
	)

	if bufferMB <= 0 {
		return 0, 0, 0, fmt.Errorf("buffer size must be positive, got %d MB", bufferMB)
	}
	if snapLen <= 0 {
		return 0, 0, 0, fmt.Errorf("snap length must be positive, got %d", snapLen)
	}
	if pageSize <= 0 || pageSize%tpacketAlignment != 0 {
		return 0, 0, 0, fmt.Errorf("page size must be a positive multiple of %d, got %d", tpacketAlignment, pageSize)
	}

	frameSize = alignUp(tpacketHdrLen+snapLen, tpacketAlignment)

	blockSize = lcm(pageSize, frameSize)
	if blockSize > maxBlockSize {
		blockSize = alignUp((maxBlockSize/frameSize)*frameSize, pageSize)
	}
	if blockSize < frameSize {
		blockSize = alignUp(frameSize, pageSize)
	}

	numBlocks = (bufferMB << 20) / blockSize
	if numBlocks < 1 {
		numBlocks = 1
	}
	return frameSize, blockSize, numBlocks, nil
}

func alignUp(n, to int) int {
	return (n + to - 1) / to * to
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func lcm(a, b int) int {
	if a == 0 || b == 0 {
		return 0
	}
	return a / gcd(a, b) * b
}
