// Package npymatrix stores a 2-D float64 matrix in numpy's *.npy format, in Fortran
// (column-major) order, so that the matrix can grow by whole columns. Each new column
// is written at the end of the file, after which the fixed-size header is rewritten in
// place with the new shape. The files are readable by numpy.load as ordinary arrays of
// shape (rows, columns).
package npymatrix

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/lifdaq/dtacq/internal/getbytes"
	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
)

// npy file header length, including the 10-byte preamble. Must be a multiple of 64 bytes.
const headerLen = 128

const preambleLen = 10

const dtype = "<f8"

const wordSize = 8

// ErrRowMismatch means a column's length disagrees with the matrix row count.
var ErrRowMismatch = errors.New("column length does not match matrix rows")

// Matrix is an open, column-appendable npy matrix file.
type Matrix struct {
	file      *os.File
	path      string
	rows      int
	cols      int
	readOnly  bool
	recovered int64 // bytes of an incomplete trailing column dropped by Open
}

// Create makes a new file at path holding a single column. It fails with an error
// satisfying errors.Is(err, os.ErrExist) if the file already exists.
func Create(path string, column []float64) (*Matrix, error) {
	if len(column) == 0 {
		return nil, fmt.Errorf("npymatrix %s: cannot create a matrix with 0 rows", path)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0664)
	if err != nil {
		return nil, err
	}
	m := &Matrix{file: f, path: path, rows: len(column)}
	if err := m.writeHeader(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	if err := m.AppendColumn(column); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return m, nil
}

// Open opens an existing matrix file for reading and appending.
func Open(path string) (*Matrix, error) {
	return open(path, false)
}

// OpenReadOnly opens an existing matrix file for reading only.
func OpenReadOnly(path string) (*Matrix, error) {
	return open(path, true)
}

func open(path string, readOnly bool) (*Matrix, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}
	m := &Matrix{file: f, path: path, readOnly: readOnly}
	if err := m.parseHeader(); err != nil {
		f.Close()
		return nil, err
	}
	if err := m.checkSize(); err != nil {
		f.Close()
		return nil, err
	}
	return m, nil
}

// parseHeader checks the preamble for our fixed header length and lets npyio parse the
// header dictionary.
func (m *Matrix) parseHeader() error {
	preamble := make([]byte, preambleLen)
	if _, err := m.file.ReadAt(preamble, 0); err != nil {
		return fmt.Errorf("npymatrix %s: reading preamble: %w", m.path, err)
	}
	if string(preamble[:6]) != "\x93NUMPY" {
		return fmt.Errorf("npymatrix %s: not an npy file", m.path)
	}
	if hlen := int(binary.LittleEndian.Uint16(preamble[8:10])); hlen+preambleLen != headerLen {
		return fmt.Errorf("npymatrix %s: header length %d, want %d", m.path, hlen+preambleLen, headerLen)
	}

	r, err := npyio.NewReader(io.NewSectionReader(m.file, 0, headerLen))
	if err != nil {
		return fmt.Errorf("npymatrix %s: %w", m.path, err)
	}
	descr := r.Header.Descr
	if descr.Type != dtype {
		return fmt.Errorf("npymatrix %s: dtype %q, want %q", m.path, descr.Type, dtype)
	}
	if !descr.Fortran {
		return fmt.Errorf("npymatrix %s: not in Fortran order", m.path)
	}
	if len(descr.Shape) != 2 {
		return fmt.Errorf("npymatrix %s: shape %v is not 2-dimensional", m.path, descr.Shape)
	}
	m.rows, m.cols = descr.Shape[0], descr.Shape[1]
	return nil
}

// checkSize compares the file length with the header's shape. Bytes beyond the last
// complete column come from an append whose header update never happened; they are
// dropped (when writable) so the matrix stays consistent with its header.
func (m *Matrix) checkSize() error {
	info, err := m.file.Stat()
	if err != nil {
		return err
	}
	want := m.dataOffset(m.cols)
	switch {
	case info.Size() < want:
		return fmt.Errorf("npymatrix %s: file has %d bytes, header shape (%d, %d) needs %d",
			m.path, info.Size(), m.rows, m.cols, want)
	case info.Size() > want:
		m.recovered = info.Size() - want
		if !m.readOnly {
			if err := m.file.Truncate(want); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Matrix) dataOffset(col int) int64 {
	return int64(headerLen) + int64(col)*int64(m.rows)*wordSize
}

// writeHeader writes the numpy header, padded with spaces to exactly headerLen bytes.
func (m *Matrix) writeHeader() error {
	dict := fmt.Sprintf("{'descr': '%s', 'fortran_order': True, 'shape': (%d, %d), }",
		dtype, m.rows, m.cols)
	padding := headerLen - preambleLen - len(dict) - 1
	if padding < 0 {
		return fmt.Errorf("npymatrix %s: shape (%d, %d) does not fit in the header", m.path, m.rows, m.cols)
	}
	header := make([]byte, 0, headerLen)
	header = append(header, "\x93NUMPY\x01\x00"...)
	header = binary.LittleEndian.AppendUint16(header, uint16(headerLen-preambleLen))
	header = append(header, dict...)
	header = append(header, strings.Repeat(" ", padding)...)
	header = append(header, '\n')
	_, err := m.file.WriteAt(header, 0)
	return err
}

// Rows returns the fixed number of rows.
func (m *Matrix) Rows() int { return m.rows }

// Cols returns the number of columns written so far.
func (m *Matrix) Cols() int { return m.cols }

// Path returns the file name.
func (m *Matrix) Path() string { return m.path }

// Recovered returns how many bytes of an incomplete trailing column Open found.
func (m *Matrix) Recovered() int64 { return m.recovered }

// AppendColumn writes col as a new last column. The data are synced to disk before the
// header is updated.
func (m *Matrix) AppendColumn(col []float64) error {
	if m.readOnly {
		return fmt.Errorf("npymatrix %s: opened read-only", m.path)
	}
	if len(col) != m.rows {
		return fmt.Errorf("npymatrix %s: %w: column has %d values, matrix has %d rows",
			m.path, ErrRowMismatch, len(col), m.rows)
	}
	if _, err := m.file.WriteAt(getbytes.FromSliceFloat64(col), m.dataOffset(m.cols)); err != nil {
		return err
	}
	if err := m.file.Sync(); err != nil {
		return err
	}
	m.cols++
	if err := m.writeHeader(); err != nil {
		m.cols--
		return err
	}
	return m.file.Sync()
}

// Column returns a copy of column j.
func (m *Matrix) Column(j int) ([]float64, error) {
	return m.Window(j, 0, m.rows)
}

// Window returns n values of column j starting at row start.
func (m *Matrix) Window(j, start, n int) ([]float64, error) {
	if j < 0 || j >= m.cols {
		return nil, fmt.Errorf("npymatrix %s: column %d out of range [0,%d)", m.path, j, m.cols)
	}
	if start < 0 || n < 0 || start+n > m.rows {
		return nil, fmt.Errorf("npymatrix %s: rows [%d,%d) out of range [0,%d)", m.path, start, start+n, m.rows)
	}
	buf := make([]byte, n*wordSize)
	if _, err := m.file.ReadAt(buf, m.dataOffset(j)+int64(start)*wordSize); err != nil {
		return nil, err
	}
	return getbytes.ToSliceFloat64(buf)
}

// ReadAll reads the whole matrix as a rows x cols Dense.
func (m *Matrix) ReadAll() (*mat.Dense, error) {
	if m.cols == 0 {
		return nil, fmt.Errorf("npymatrix %s: matrix has no columns", m.path)
	}
	r, err := npyio.NewReader(io.NewSectionReader(m.file, 0, m.dataOffset(m.cols)))
	if err != nil {
		return nil, err
	}
	data := make([]float64, m.rows*m.cols)
	if err := r.Read(&data); err != nil {
		return nil, fmt.Errorf("npymatrix %s: %w", m.path, err)
	}
	// Column-major data is the row-major layout of the transpose.
	dense := mat.NewDense(m.rows, m.cols, nil)
	dense.Copy(mat.NewDense(m.cols, m.rows, data).T())
	return dense, nil
}

// Close closes the file.
func (m *Matrix) Close() error {
	return m.file.Close()
}
