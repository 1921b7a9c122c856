package region

import (
	"fmt"
	"math"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/meshheap/memutils"
)

const (
	SmallBufferSize        = 256
	SecondLevelIndex uint8 = 5
	MemoryClassShift       = 7
	MaxMemoryClasses       = 65 - MemoryClassShift
)

var blockAllocator = sync.Pool{
	New: func() any {
		return &tlsfBlock{}
	},
}

type tlsfBlock struct {
	offset       int
	size         int
	prevPhysical *tlsfBlock
	nextPhysical *tlsfBlock

	prevFree *tlsfBlock
	nextFree *tlsfBlock

	userData    any
	blockHandle AllocationHandle
}

func (b *tlsfBlock) MarkFree() {
	b.prevFree = nil
}

func (b *tlsfBlock) MarkTaken() {
	b.prevFree = b
}

func (b *tlsfBlock) IsFree() bool {
	return b.prevFree != b
}

// TLSFMetadata manages the byte ranges of a single shared buffer using a two-level segregated fit
// algorithm. It never touches the buffer itself: consumers reserve ranges here and then write to
// the buffer at the offsets they are handed.
//
// The physical chain of blocks is always sorted by offset and always ends in the null block,
// which represents the free space at the end of the buffer. No two free blocks are ever
// physically adjacent.
type TLSFMetadata struct {
	size int

	allocCount        int
	blocksFreeCount   int
	blocksFreeSize    int
	isFreeBitmap      uint64
	memoryClasses     int
	innerIsFreeBitmap [MaxMemoryClasses]uint32

	nextAllocationHandle AllocationHandle
	handleKey            *swiss.Map[AllocationHandle, *tlsfBlock]
	freeList             []*tlsfBlock
	nullBlock            *tlsfBlock
	firstBlock           *tlsfBlock
}

// NewTLSFMetadata creates a metadata that manages size bytes. size may be 0, in which case every
// allocation request will fail until the metadata is grown.
func NewTLSFMetadata(size int) *TLSFMetadata {
	m := &TLSFMetadata{}
	m.Init(size)
	return m
}

func (m *TLSFMetadata) allocateBlock() *tlsfBlock {
	b := blockAllocator.Get().(*tlsfBlock)
	b.offset = 0
	b.size = 0
	b.prevPhysical = nil
	b.nextPhysical = nil
	b.nextFree = nil
	b.prevFree = nil
	b.userData = nil
	b.blockHandle = AllocationHandle(atomic.AddUint64((*uint64)(&m.nextAllocationHandle), 1))
	m.handleKey.Put(b.blockHandle, b)
	return b
}

func (m *TLSFMetadata) freeBlock(b *tlsfBlock) {
	m.handleKey.Delete(b.blockHandle)
	b.userData = nil
	blockAllocator.Put(b)
}

func (m *TLSFMetadata) getBlock(handle AllocationHandle) (*tlsfBlock, error) {
	block, ok := m.handleKey.Get(handle)
	if !ok {
		return nil, errors.Wrapf(ErrInvalidHandle, "handle %d", handle)
	}
	return block, nil
}

// Init prepares the metadata for allocations. Any existing state is discarded.
func (m *TLSFMetadata) Init(size int) {
	m.size = size
	m.allocCount = 0
	m.blocksFreeCount = 0
	m.blocksFreeSize = 0
	m.isFreeBitmap = 0
	m.innerIsFreeBitmap = [MaxMemoryClasses]uint32{}
	m.handleKey = swiss.NewMap[AllocationHandle, *tlsfBlock](42)

	m.nullBlock = m.allocateBlock()
	m.nullBlock.size = size
	m.nullBlock.MarkFree()
	m.firstBlock = m.nullBlock
	m.freeList = make([]*tlsfBlock, m.listSizeFor(size))
}

func (m *TLSFMetadata) listSizeFor(size int) int {
	memoryClass := m.sizeToMemoryClass(size)
	sli := m.sizeToSecondIndex(size, memoryClass)

	listSize := 1
	sliMask := int(uint(1) << SecondLevelIndex)
	if memoryClass != 0 {
		listSize = int(memoryClass-1)*sliMask + int(sli+1)
	}

	m.memoryClasses = int(memoryClass + 2)
	return listSize + 4
}

// Size returns the number of bytes managed by this metadata
func (m *TLSFMetadata) Size() int { return m.size }

// Grow extends the managed range to newSize bytes. The new bytes are appended to the free space
// at the end of the buffer, so no existing region moves.
func (m *TLSFMetadata) Grow(newSize int) error {
	if newSize < m.size {
		return errors.Wrapf(ErrInvalidSize, "cannot shrink metadata from %d to %d bytes", m.size, newSize)
	}

	m.nullBlock.size += newSize - m.size
	m.size = newSize

	listSize := m.listSizeFor(newSize)
	if listSize > len(m.freeList) {
		m.freeList = append(m.freeList, make([]*tlsfBlock, listSize-len(m.freeList))...)
	}

	memutils.DebugValidate(m)
	return nil
}

func (m *TLSFMetadata) Validate() error {
	if m.SumFreeSize() > m.Size() {
		return errors.New("invalid metadata free size")
	}

	var allocCount, freeCount, freeListCount int

	// Check integrity of free lists
	for listIndex := 0; listIndex < len(m.freeList); listIndex++ {
		block := m.freeList[listIndex]
		if block == nil {
			continue
		}

		if !block.IsFree() {
			return errors.Newf("block at offset %d is in the free list but is not free", block.offset)
		}

		if block.prevFree != nil {
			return errors.Newf("block at offset %d is the head of a free list but has a previous block", block.offset)
		}

		freeListCount++
		for block.nextFree != nil {
			if !block.nextFree.IsFree() {
				return errors.Newf("block at offset %d is in the free list but it is not free", block.nextFree.offset)
			}
			if block.nextFree.prevFree != block {
				return errors.Newf("block at offset %d lists the block at offset %d as its next block, but the reverse reference is broken", block.offset, block.nextFree.offset)
			}

			freeListCount++
			block = block.nextFree
		}
	}

	if m.nullBlock.nextPhysical != nil {
		return errors.New("null block must be the end of its physical block chain")
	}

	if m.firstBlock.prevPhysical != nil {
		return errors.New("first block must be the start of its physical block chain")
	}

	nextOffset := 0
	calculatedSize := 0
	calculatedFreeSize := 0
	prevWasFree := false

	for block := m.firstBlock; block != nil; block = block.nextPhysical {
		if block.offset != nextOffset {
			return errors.Newf("physical block at offset %d does not start at the previous block's end offset %d", block.offset, nextOffset)
		}

		if block.nextPhysical != nil && block.nextPhysical.prevPhysical != block {
			return errors.Newf("block at offset %d has a next physical block, but the reverse reference is broken", block.offset)
		}

		nextOffset = block.offset + block.size
		calculatedSize += block.size

		if block == m.nullBlock {
			calculatedFreeSize += block.size
			if prevWasFree && block.size > 0 {
				return errors.Newf("free block before offset %d was not merged with the null block", block.offset)
			}
			continue
		}

		if block.IsFree() {
			if prevWasFree {
				return errors.Newf("free block at offset %d was not merged with the free block before it", block.offset)
			}
			freeCount++
			calculatedFreeSize += block.size
			prevWasFree = true
		} else {
			allocCount++
			prevWasFree = false
		}
	}

	if freeListCount != freeCount {
		return errors.Newf("the number of free blocks in the physical list and the number of blocks in the free list do not match! free list size: %d, physical list free blocks: %d", freeListCount, freeCount)
	}

	if calculatedSize != m.size {
		return errors.Newf("the full size of the metadata is %d, but the blocks only added up to %d", m.size, calculatedSize)
	}

	if calculatedFreeSize != m.SumFreeSize() {
		return errors.Newf("the free size of the metadata is %d, but the free blocks only added up to %d", m.SumFreeSize(), calculatedFreeSize)
	}

	if allocCount != m.allocCount {
		return errors.Newf("the allocation count of the metadata is %d, but the taken blocks only added up to %d", m.allocCount, allocCount)
	}

	if freeCount != m.blocksFreeCount {
		return errors.Newf("the free block count of the metadata is %d, but there were only %d free blocks", m.blocksFreeCount, freeCount)
	}

	return nil
}

func (m *TLSFMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BufferCount++
	stats.BufferBytes += m.size

	for block := m.firstBlock; block != nil; block = block.nextPhysical {
		if block == m.nullBlock {
			if block.size > 0 {
				stats.AddFreeRegion(block.size)
			}
		} else if block.IsFree() {
			stats.AddFreeRegion(block.size)
		} else {
			stats.AddAllocation(block.size)
		}
	}
}

func (m *TLSFMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BufferCount++
	stats.AllocationCount += m.allocCount
	stats.BufferBytes += m.size
	stats.AllocationBytes += m.size - m.SumFreeSize()
}

func (m *TLSFMetadata) getListIndexFromSize(size int) int {
	memoryClass := m.sizeToMemoryClass(size)
	secondIndex := m.sizeToSecondIndex(size, memoryClass)
	return m.getListIndex(memoryClass, secondIndex)
}

func (m *TLSFMetadata) getListIndex(memoryClass uint8, secondIndex uint16) int {
	if memoryClass == 0 {
		return int(secondIndex)
	}

	i := uint32(memoryClass-1)*uint32(uint(1)<<SecondLevelIndex) + uint32(secondIndex)

	return int(i) + 4
}

func (m *TLSFMetadata) AllocationCount() int {
	return m.allocCount
}

// FreeRegionsCount returns the number of distinct free ranges, including the free space at the
// end of the buffer
func (m *TLSFMetadata) FreeRegionsCount() int {
	if m.nullBlock.size > 0 {
		return m.blocksFreeCount + 1
	}
	return m.blocksFreeCount
}

func (m *TLSFMetadata) SumFreeSize() int {
	return m.blocksFreeSize + m.nullBlock.size
}

// TrailingFreeSize returns the size of the free range at the end of the buffer
func (m *TLSFMetadata) TrailingFreeSize() int {
	return m.nullBlock.size
}

func (m *TLSFMetadata) IsEmpty() bool {
	return m.allocCount == 0
}

func (m *TLSFMetadata) sizeToMemoryClass(size int) uint8 {
	if size > SmallBufferSize {
		mostSignificantBit := uint8(63 - bits.LeadingZeros64(uint64(size)))
		return mostSignificantBit - MemoryClassShift
	}

	return 0
}

func (m *TLSFMetadata) sizeToSecondIndex(size int, memoryClass uint8) uint16 {
	if memoryClass != 0 {
		mask := uint(1) << SecondLevelIndex
		indexVal := uint(size) >> (memoryClass + MemoryClassShift - SecondLevelIndex)
		return uint16(indexVal ^ mask)
	}

	if size <= 0 {
		return 0
	}
	return uint16((size - 1) / 64)
}

// CreateAllocationRequest finds a place for a new allocation of allocSize bytes whose offset is a
// multiple of allocAlignment and which ends at or before maxOffset. Pass math.MaxInt as maxOffset
// when there is no limit. The returned bool is false when no such place exists. The region table
// is not changed until the request is passed to Alloc.
func (m *TLSFMetadata) CreateAllocationRequest(
	allocSize int, allocAlignment uint,
	strategy Strategy,
	maxOffset int,
) (bool, AllocationRequest, error) {
	var allocRequest AllocationRequest

	if allocSize < 1 {
		return false, allocRequest, errors.Wrapf(ErrInvalidSize, "allocation size %d", allocSize)
	}

	memutils.DebugValidate(m)

	// Is the buffer big enough?
	if allocSize > m.SumFreeSize() {
		return false, allocRequest, nil
	}

	// Any free blocks in the buffer?
	if m.blocksFreeCount == 0 {
		success := m.checkBlock(m.nullBlock, len(m.freeList), allocSize, allocAlignment, maxOffset, &allocRequest)
		return success, allocRequest, nil
	}

	// Round up to the next block
	sizeForNextList := allocSize

	smallSizeStep := SmallBufferSize / 4
	if allocSize > SmallBufferSize {
		mostSignificantBit := 63 - bits.LeadingZeros64(uint64(allocSize))
		sizeForNextList += int(uint(1) << (mostSignificantBit - int(SecondLevelIndex)))
	} else if allocSize > SmallBufferSize-smallSizeStep {
		sizeForNextList = SmallBufferSize + 1
	} else {
		sizeForNextList += smallSizeStep
	}

	nextListIndex := 0
	prevListIndex := 0
	doFullSearch := false
	var nextListBlock, prevListBlock *tlsfBlock

	// Check blocks according to the requested strategy
	if strategy&StrategyMinTime != 0 {
		// Check for larger block first
		nextListBlock, nextListIndex = m.findFreeBlock(sizeForNextList)

		if nextListBlock != nil {
			doFullSearch = true
			if m.checkBlock(nextListBlock, nextListIndex, allocSize, allocAlignment, maxOffset, &allocRequest) {
				return true, allocRequest, nil
			}
		}

		// If not fitted then null block
		if m.checkBlock(m.nullBlock, len(m.freeList), allocSize, allocAlignment, maxOffset, &allocRequest) {
			return true, allocRequest, nil
		}

		// Null block failed, search larger bucket
		for nextListBlock != nil {
			if m.checkBlock(nextListBlock, nextListIndex, allocSize, allocAlignment, maxOffset, &allocRequest) {
				return true, allocRequest, nil
			}

			nextListBlock = nextListBlock.nextFree
		}

		// Failed again, check best fit bucket
		prevListBlock, prevListIndex = m.findFreeBlock(allocSize)

		for prevListBlock != nil {
			if m.checkBlock(prevListBlock, prevListIndex, allocSize, allocAlignment, maxOffset, &allocRequest) {
				return true, allocRequest, nil
			}

			prevListBlock = prevListBlock.nextFree
		}
	} else if strategy&StrategyMinMemory != 0 {
		// Check best fit bucket
		prevListBlock, prevListIndex = m.findFreeBlock(allocSize)

		for prevListBlock != nil {
			if m.checkBlock(prevListBlock, prevListIndex, allocSize, allocAlignment, maxOffset, &allocRequest) {
				return true, allocRequest, nil
			}

			prevListBlock = prevListBlock.nextFree
		}

		// If failed check null block
		if m.checkBlock(m.nullBlock, len(m.freeList), allocSize, allocAlignment, maxOffset, &allocRequest) {
			return true, allocRequest, nil
		}

		// Check larger bucket
		nextListBlock, nextListIndex = m.findFreeBlock(sizeForNextList)

		for nextListBlock != nil {
			doFullSearch = true
			if m.checkBlock(nextListBlock, nextListIndex, allocSize, allocAlignment, maxOffset, &allocRequest) {
				return true, allocRequest, nil
			}

			nextListBlock = nextListBlock.nextFree
		}
	} else if strategy&StrategyMinOffset != 0 {
		if m.minOffsetCheckBlocks(allocSize, allocAlignment, maxOffset, &allocRequest) {
			return true, allocRequest, nil
		}

		// If failed, check null block
		if m.checkBlock(m.nullBlock, len(m.freeList), allocSize, allocAlignment, maxOffset, &allocRequest) {
			return true, allocRequest, nil
		}

		// Whole range searched, no more space
		return false, allocRequest, nil
	} else {
		// Check larger bucket
		nextListBlock, nextListIndex = m.findFreeBlock(sizeForNextList)

		for nextListBlock != nil {
			doFullSearch = true
			if m.checkBlock(nextListBlock, nextListIndex, allocSize, allocAlignment, maxOffset, &allocRequest) {
				return true, allocRequest, nil
			}

			nextListBlock = nextListBlock.nextFree
		}

		// If failed, check null block
		if m.checkBlock(m.nullBlock, len(m.freeList), allocSize, allocAlignment, maxOffset, &allocRequest) {
			return true, allocRequest, nil
		}

		// Check best fit bucket
		prevListBlock, prevListIndex = m.findFreeBlock(allocSize)

		for prevListBlock != nil {
			if m.checkBlock(prevListBlock, prevListIndex, allocSize, allocAlignment, maxOffset, &allocRequest) {
				return true, allocRequest, nil
			}

			prevListBlock = prevListBlock.nextFree
		}
	}

	if !doFullSearch {
		return false, allocRequest, nil
	}

	// Worst case, full search has to be done
	for nextListIndex++; nextListIndex < len(m.freeList); nextListIndex++ {
		nextListBlock = m.freeList[nextListIndex]
		for nextListBlock != nil {
			if m.checkBlock(nextListBlock, nextListIndex, allocSize, allocAlignment, maxOffset, &allocRequest) {
				return true, allocRequest, nil
			}

			nextListBlock = nextListBlock.nextFree
		}
	}

	// No more space to check
	return false, allocRequest, nil
}

// CreateAllocationRequestAt builds a request for an allocation of allocSize bytes at exactly
// offset. The returned bool is false if that range is not entirely inside a single free region.
func (m *TLSFMetadata) CreateAllocationRequestAt(offset int, allocSize int) (bool, AllocationRequest, error) {
	var allocRequest AllocationRequest

	if allocSize < 1 {
		return false, allocRequest, errors.Wrapf(ErrInvalidSize, "allocation size %d", allocSize)
	}
	if offset < 0 || offset+allocSize > m.size {
		return false, allocRequest, nil
	}

	for block := m.firstBlock; block != nil; block = block.nextPhysical {
		if block.offset > offset {
			break
		}

		if offset >= block.offset+block.size {
			continue
		}

		if !block.IsFree() || offset+allocSize > block.offset+block.size {
			return false, allocRequest, nil
		}

		allocRequest.BlockAllocationHandle = block.blockHandle
		allocRequest.Offset = offset
		allocRequest.Size = allocSize
		return true, allocRequest, nil
	}

	return false, allocRequest, nil
}

func (m *TLSFMetadata) minOffsetCheckBlocks(
	allocSize int,
	allocAlignment uint,
	maxOffset int,
	allocRequest *AllocationRequest,
) bool {
	for block := m.firstBlock; block != nil && block != m.nullBlock; block = block.nextPhysical {
		if block.offset+allocSize > maxOffset {
			return false
		}

		if block.IsFree() && block.size >= allocSize {
			if m.checkBlock(block, m.getListIndexFromSize(block.size), allocSize, allocAlignment, maxOffset, allocRequest) {
				return true
			}
		}
	}

	return false
}

func (m *TLSFMetadata) checkBlock(
	block *tlsfBlock,
	listIndex int,
	allocSize int,
	allocAlignment uint,
	maxOffset int,
	allocRequest *AllocationRequest,
) bool {
	if !block.IsFree() {
		panic(fmt.Sprintf("block at offset %d is already taken", block.offset))
	}

	alignedOffset := memutils.AlignUp(block.offset, allocAlignment)

	if block.size < allocSize+alignedOffset-block.offset {
		return false
	}

	if alignedOffset+allocSize > maxOffset {
		return false
	}

	// Alloc will work
	allocRequest.BlockAllocationHandle = block.blockHandle
	allocRequest.Size = allocSize
	allocRequest.Offset = alignedOffset

	// Place block at the start of list if it's a normal block
	if listIndex != len(m.freeList) && block.prevFree != nil {
		block.prevFree.nextFree = block.nextFree
		if block.nextFree != nil {
			block.nextFree.prevFree = block.prevFree
		}

		block.prevFree = nil
		block.nextFree = m.freeList[listIndex]
		m.freeList[listIndex] = block
		if block.nextFree != nil {
			block.nextFree.prevFree = block
		}
	}

	return true
}

func (m *TLSFMetadata) findFreeBlock(size int) (*tlsfBlock, int) {
	memoryClass := m.sizeToMemoryClass(size)
	innerFreeMap := m.innerIsFreeBitmap[memoryClass] & (math.MaxUint32 << m.sizeToSecondIndex(size, memoryClass))

	if innerFreeMap == 0 {
		// Check higher levels for available blocks
		freeMap := m.isFreeBitmap & (math.MaxUint64 << (memoryClass + 1))
		if freeMap == 0 {
			return nil, 0
		}

		// Find lowest free region
		memoryClass = uint8(bits.TrailingZeros64(freeMap))
		innerFreeMap = m.innerIsFreeBitmap[memoryClass]
		if innerFreeMap == 0 {
			panic("free bitmap is in an invalid state")
		}
	}

	// Find lowest free subregion
	listIndex := m.getListIndex(memoryClass, uint16(bits.TrailingZeros32(innerFreeMap)))
	if listIndex >= len(m.freeList) || m.freeList[listIndex] == nil {
		panic(fmt.Sprintf("free list index %d was listed as having free blocks, but no blocks were in the free list", listIndex))
	}

	return m.freeList[listIndex], listIndex
}

// Alloc commits an AllocationRequest, carving the allocation out of the free region it names. The
// returned handle identifies the new allocation. If the request is no longer valid, an error is
// returned and nothing changes.
func (m *TLSFMetadata) Alloc(req AllocationRequest, userData any) (AllocationHandle, error) {
	currentBlock, err := m.getBlock(req.BlockAllocationHandle)
	if err != nil {
		return NoAllocation, err
	}

	offset := req.Offset
	size := req.Size

	if !currentBlock.IsFree() {
		return NoAllocation, errors.Wrapf(ErrInvalidRequest, "region at offset %d is not free", currentBlock.offset)
	}
	if size < 1 || currentBlock.offset > offset || offset+size > currentBlock.offset+currentBlock.size {
		return NoAllocation, errors.Wrapf(ErrInvalidRequest, "range [%d, %d) does not fit in the free region [%d, %d)",
			offset, offset+size, currentBlock.offset, currentBlock.offset+currentBlock.size)
	}

	// Pop it from the free list
	if currentBlock != m.nullBlock {
		m.removeFreeBlock(currentBlock)
	}

	missingAlignment := offset - currentBlock.offset

	// Appending missing alignment to prev block or create a new one
	if missingAlignment != 0 {
		prevBlock := currentBlock.prevPhysical

		if prevBlock != nil && prevBlock.IsFree() {
			oldListIndex := m.getListIndexFromSize(prevBlock.size)
			prevBlock.size += missingAlignment

			// If the new block size moves the block around
			if oldListIndex != m.getListIndexFromSize(prevBlock.size) {
				prevBlock.size -= missingAlignment
				m.removeFreeBlock(prevBlock)

				prevBlock.size += missingAlignment
				m.insertFreeBlock(prevBlock)
			} else {
				m.blocksFreeSize += missingAlignment
			}
		} else {
			newBlock := m.allocateBlock()
			currentBlock.prevPhysical = newBlock
			if prevBlock != nil {
				prevBlock.nextPhysical = newBlock
			} else {
				m.firstBlock = newBlock
			}
			newBlock.prevPhysical = prevBlock
			newBlock.nextPhysical = currentBlock
			newBlock.size = missingAlignment
			newBlock.offset = currentBlock.offset
			newBlock.MarkTaken()

			m.insertFreeBlock(newBlock)
		}

		currentBlock.size -= missingAlignment
		currentBlock.offset += missingAlignment
	}

	if currentBlock.size == size {
		if currentBlock == m.nullBlock {
			// Setup a new null block
			m.nullBlock = m.allocateBlock()
			m.nullBlock.size = 0
			m.nullBlock.offset = currentBlock.offset + size
			m.nullBlock.prevPhysical = currentBlock
			m.nullBlock.nextPhysical = nil
			m.nullBlock.MarkFree()
			m.nullBlock.prevFree = nil
			m.nullBlock.nextFree = nil
			currentBlock.nextPhysical = m.nullBlock
			currentBlock.MarkTaken()
		}
	} else {
		// Create a new free block
		newBlock := m.allocateBlock()
		newBlock.size = currentBlock.size - size
		newBlock.offset = currentBlock.offset + size
		newBlock.prevPhysical = currentBlock
		newBlock.nextPhysical = currentBlock.nextPhysical
		currentBlock.nextPhysical = newBlock
		currentBlock.size = size

		if currentBlock == m.nullBlock {
			m.nullBlock = newBlock
			m.nullBlock.MarkFree()
			m.nullBlock.nextFree = nil
			m.nullBlock.prevFree = nil
			currentBlock.MarkTaken()
		} else {
			newBlock.nextPhysical.prevPhysical = newBlock
			newBlock.MarkTaken()
			m.insertFreeBlock(newBlock)
		}
	}

	currentBlock.userData = userData
	m.allocCount++

	memutils.DebugValidate(m)
	return currentBlock.blockHandle, nil
}

// Free returns an allocation to the free space, merging it with any free neighbours. Nothing is
// moved.
func (m *TLSFMetadata) Free(allocHandle AllocationHandle) error {
	block, err := m.getBlock(allocHandle)
	if err != nil {
		return err
	}
	if block.IsFree() {
		return errors.Wrapf(ErrInvalidHandle, "block at offset %d is already free", block.offset)
	}

	next := block.nextPhysical
	m.allocCount--
	block.userData = nil

	// Try merging
	prev := block.prevPhysical
	if prev != nil && prev.IsFree() {
		m.removeFreeBlock(prev)
		m.mergeBlock(block, prev)
	}

	if !next.IsFree() {
		m.insertFreeBlock(block)
	} else if next == m.nullBlock {
		m.mergeBlock(m.nullBlock, block)
	} else {
		m.removeFreeBlock(next)
		m.mergeBlock(next, block)

		m.insertFreeBlock(next)
	}

	memutils.DebugValidate(m)
	return nil
}

func (m *TLSFMetadata) removeFreeBlock(block *tlsfBlock) {
	if block == m.nullBlock {
		panic("cannot remove the null block")
	}
	if !block.IsFree() {
		panic("provided block is not free")
	}

	// Remove from free list chain
	if block.nextFree != nil {
		block.nextFree.prevFree = block.prevFree
	}
	if block.prevFree != nil {
		block.prevFree.nextFree = block.nextFree
	} else {
		memClass := m.sizeToMemoryClass(block.size)
		secondIndex := m.sizeToSecondIndex(block.size, memClass)
		index := m.getListIndex(memClass, secondIndex)

		if m.freeList[index] != block {
			panic("block was not in the free list at the expected location")
		}
		m.freeList[index] = block.nextFree
		if block.nextFree == nil {
			m.innerIsFreeBitmap[memClass] &= ^(uint32(1) << secondIndex)
			if m.innerIsFreeBitmap[memClass] == 0 {
				m.isFreeBitmap &= ^(uint64(1) << memClass)
			}
		}
	}

	// Set up block for use
	block.MarkTaken()
	block.nextFree = nil
	block.userData = nil
	m.blocksFreeCount--
	m.blocksFreeSize -= block.size
}

func (m *TLSFMetadata) insertFreeBlock(block *tlsfBlock) {
	if block == m.nullBlock {
		panic("cannot insert the null block")
	}

	if block.IsFree() {
		panic("block is already free")
	}

	memClass := m.sizeToMemoryClass(block.size)
	secondIndex := m.sizeToSecondIndex(block.size, memClass)
	index := m.getListIndex(memClass, secondIndex)

	if index >= len(m.freeList) {
		panic("invalid free list index found for block")
	}

	block.prevFree = nil
	block.nextFree = m.freeList[index]
	m.freeList[index] = block
	if block.nextFree != nil {
		block.nextFree.prevFree = block
	} else {
		m.innerIsFreeBitmap[memClass] |= uint32(1) << secondIndex
		m.isFreeBitmap |= uint64(1) << memClass
	}
	m.blocksFreeCount++
	m.blocksFreeSize += block.size
}

func (m *TLSFMetadata) mergeBlock(block *tlsfBlock, prev *tlsfBlock) {
	if block.prevPhysical != prev {
		panic("cannot merge separate physical regions")
	}
	if prev.IsFree() {
		panic("cannot merge a block that belongs to the free list")
	}

	block.offset = prev.offset
	block.size += prev.size
	block.prevPhysical = prev.prevPhysical
	if block.prevPhysical != nil {
		block.prevPhysical.nextPhysical = block
	} else {
		m.firstBlock = block
	}

	m.freeBlock(prev)
}

// VisitAllRegions calls handleRegion for every allocated and free region in ascending offset
// order. The trailing free space is only visited when it is not empty. Iteration stops at the
// first error, which is returned.
func (m *TLSFMetadata) VisitAllRegions(handleRegion func(r Region) error) error {
	for block := m.firstBlock; block != nil; block = block.nextPhysical {
		if block == m.nullBlock && block.size == 0 {
			continue
		}

		err := handleRegion(Region{
			Handle:   block.blockHandle,
			Offset:   block.offset,
			Size:     block.size,
			UserData: block.userData,
			Free:     block.IsFree(),
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// Allocations returns every live allocation in ascending offset order
func (m *TLSFMetadata) Allocations() []Region {
	regions := make([]Region, 0, m.allocCount)
	for block := m.firstBlock; block != nil; block = block.nextPhysical {
		if block.IsFree() {
			continue
		}

		regions = append(regions, Region{
			Handle:   block.blockHandle,
			Offset:   block.offset,
			Size:     block.size,
			UserData: block.userData,
		})
	}

	return regions
}

// PrevFreeRegionSize returns the size of the free region directly before the provided allocation,
// or 0 if the allocation is at the start of the buffer or follows another allocation
func (m *TLSFMetadata) PrevFreeRegionSize(alloc AllocationHandle) (int, error) {
	block, err := m.getBlock(alloc)
	if err != nil {
		return 0, err
	}
	if block.IsFree() {
		return 0, errors.Wrapf(ErrInvalidHandle, "block at offset %d is free", block.offset)
	}

	if block.prevPhysical != nil && block.prevPhysical.IsFree() {
		return block.prevPhysical.size, nil
	}

	return 0, nil
}

// Clear instantly frees every allocation
func (m *TLSFMetadata) Clear() {
	m.allocCount = 0
	m.blocksFreeCount = 0
	m.blocksFreeSize = 0
	m.isFreeBitmap = 0
	m.nullBlock.offset = 0
	m.nullBlock.size = m.size
	block := m.nullBlock.prevPhysical
	m.nullBlock.prevPhysical = nil
	m.firstBlock = m.nullBlock

	for block != nil {
		prev := block.prevPhysical
		m.freeBlock(block)
		block = prev
	}

	m.freeList = make([]*tlsfBlock, len(m.freeList))
	m.innerIsFreeBitmap = [MaxMemoryClasses]uint32{}
}

func (m *TLSFMetadata) AllocationOffset(allocHandle AllocationHandle) (int, error) {
	block, err := m.getBlock(allocHandle)
	if err != nil {
		return 0, err
	}

	return block.offset, nil
}

func (m *TLSFMetadata) AllocationSize(allocHandle AllocationHandle) (int, error) {
	block, err := m.getBlock(allocHandle)
	if err != nil {
		return 0, err
	}

	return block.size, nil
}

func (m *TLSFMetadata) AllocationUserData(allocHandle AllocationHandle) (any, error) {
	block, err := m.getBlock(allocHandle)
	if err != nil {
		return nil, err
	}

	if block.IsFree() {
		return nil, errors.Wrapf(ErrInvalidHandle, "user data cannot be retrieved for a free block")
	}

	return block.userData, nil
}

