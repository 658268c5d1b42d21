package protectfs

import (
	"fmt"
	"io"
)

// Read reads up to len(p) bytes from the current offset. It returns io.EOF
// when the offset is at or beyond the logical file size.
func (f *File) Read(p []byte) (int, error) {
	if p == nil {
		return 0, fmt.Errorf("%w: nil buffer", ErrInvalidArgument)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkStatus(); err != nil {
		return 0, err
	}
	if !f.mode.canRead() {
		return 0, f.setLastError(fmt.Errorf("%w: file is not open for reading", ErrInvalidArgument))
	}
	if len(p) == 0 {
		return 0, nil
	}

	size := f.metaEncrypted.Size
	if f.offset >= size {
		f.eof = true
		return 0, io.EOF
	}
	toRead := int64(len(p))
	if toRead > size-f.offset {
		toRead = size - f.offset
	}

	var n int64
	// Head piece from the inline region.
	if f.offset < MDUserDataSize {
		chunk := toRead
		if chunk > MDUserDataSize-f.offset {
			chunk = MDUserDataSize - f.offset
		}
		copy(p[:chunk], f.metaEncrypted.Data[f.offset:f.offset+chunk])
		f.offset += chunk
		n += chunk
	}

	for n < toRead {
		node, err := f.getDataNode(f.offset)
		if err != nil {
			if n > 0 {
				return int(n), nil
			}
			return 0, err
		}
		off := (f.offset - MDUserDataSize) % NodeSize
		chunk := toRead - n
		if chunk > NodeSize-off {
			chunk = NodeSize - off
		}
		copy(p[n:n+chunk], node.plain[off:off+chunk])
		f.offset += chunk
		n += chunk
	}

	// A read that could not satisfy the full request ran into end of file.
	if int(n) < len(p) {
		f.eof = true
	}
	return int(n), nil
}

// Write writes len(p) bytes at the current offset (at the end of the file in
// append mode), growing the file as needed. The logical size only ever
// grows.
func (f *File) Write(p []byte) (int, error) {
	if p == nil {
		return 0, fmt.Errorf("%w: nil buffer", ErrInvalidArgument)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkStatus(); err != nil {
		return 0, err
	}
	if !f.mode.canWrite() {
		return 0, f.setLastError(fmt.Errorf("%w: file is not open for writing", ErrInvalidArgument))
	}
	if len(p) == 0 {
		return 0, nil
	}
	if f.mode.append {
		f.offset = f.metaEncrypted.Size
	}

	var n int64
	toWrite := int64(len(p))

	// Head piece into the inline region.
	if f.offset < MDUserDataSize {
		chunk := toWrite
		if chunk > MDUserDataSize-f.offset {
			chunk = MDUserDataSize - f.offset
		}
		copy(f.metaEncrypted.Data[f.offset:f.offset+chunk], p[:chunk])
		f.offset += chunk
		n += chunk
		if f.offset > f.metaEncrypted.Size {
			f.metaEncrypted.Size = f.offset
		}
		f.needWriting = true
	}

	for n < toWrite {
		node, err := f.getDataNode(f.offset)
		if err != nil {
			if n > 0 {
				return int(n), nil
			}
			return 0, err
		}
		off := (f.offset - MDUserDataSize) % NodeSize
		chunk := toWrite - n
		if chunk > NodeSize-off {
			chunk = NodeSize - off
		}
		copy(node.plain[off:off+chunk], p[n:n+chunk])
		if err := f.markDirtyChain(node); err != nil {
			return int(n), err
		}
		f.offset += chunk
		n += chunk
		if f.offset > f.metaEncrypted.Size {
			f.metaEncrypted.Size = f.offset
		}
		f.needWriting = true
	}

	return int(n), nil
}

// Seek sets the stream offset. Only in-range positions succeed: the file
// does not support sparse growth, so the new offset must lie in [0, size].
func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkStatus(); err != nil {
		return -1, err
	}

	size := f.metaEncrypted.Size
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = f.offset + offset
	case io.SeekEnd:
		target = size + offset
	default:
		return -1, f.setLastError(fmt.Errorf("%w: bad seek whence %d", ErrInvalidArgument, whence))
	}
	if target < 0 || target > size {
		return -1, f.setLastError(fmt.Errorf("%w: seek to %d outside [0, %d]", ErrInvalidArgument, target, size))
	}
	f.offset = target
	f.eof = false
	return target, nil
}

// Tell returns the current stream offset.
func (f *File) Tell() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkStatus(); err != nil {
		return -1, err
	}
	return f.offset, nil
}

// Size returns the logical file size.
func (f *File) Size() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkStatus(); err != nil {
		return -1, err
	}
	return f.metaEncrypted.Size, nil
}

// EOF reports whether a read has reached beyond the end of the file.
func (f *File) EOF() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.eof
}
