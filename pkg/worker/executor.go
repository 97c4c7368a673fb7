package worker

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/shardquery/shardquery/pkg/types"
)

// Outcome describes how a script execution run ended.
type Outcome int

const (
	Ended Outcome = iota
	Evicted
	Errored
)

// Reporter delivers worker-originated events up to the scheduler connection
// while a script executes.
type Reporter interface {
	ReportReadNotice(queryID uint32) error
	ReportReadResult(queryID uint32, ft types.FileTag, data []byte) error
}

// Executor interprets a query script's instructions against a PagedMemory
// backed by a StorageClient, per the nine opcodes of §4.3.
type Executor struct {
	memory  *PagedMemory
	storage *StorageClient
	log     zerolog.Logger
}

// NewExecutor builds an Executor over the given paged memory and storage
// connection.
func NewExecutor(memory *PagedMemory, storage *StorageClient, log zerolog.Logger) *Executor {
	return &Executor{memory: memory, storage: storage, log: log}
}

// Run executes scriptPath starting at line index pcStart, until END,
// script exhaustion, a critical error, or an eviction signal arrives on
// evictCh (checked between instructions only, never mid-instruction).
func (ex *Executor) Run(queryID uint32, pcStart int32, scriptPath string, evictCh <-chan struct{}, reporter Reporter) (Outcome, int32, error) {
	lines, err := readScriptLines(scriptPath)
	if err != nil {
		return Errored, pcStart, fmt.Errorf("open script %s: %w", scriptPath, err)
	}

	pc := pcStart
	for int(pc) < len(lines) {
		select {
		case <-evictCh:
			return Evicted, pc, nil
		default:
		}

		line := lines[pc]
		outcome, critical, execErr := ex.execLine(queryID, pc, line, reporter)
		if outcome == Ended {
			return Ended, pc, nil
		}
		if execErr != nil {
			if critical {
				return Errored, pc, execErr
			}
			ex.log.Warn().Err(execErr).Int32("pc", pc).Msg("non-critical instruction failure, continuing")
		}
		pc++
	}
	return Ended, pc, nil
}

func readScriptLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		lines = append(lines, text)
	}
	return lines, scanner.Err()
}

// execLine dispatches a single tokenised line. outcome == Ended signals the
// END instruction; otherwise the returned error (if any) is classified by
// the caller via critical.
func (ex *Executor) execLine(queryID uint32, pc int32, line string, reporter Reporter) (outcome Outcome, critical bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return 0, false, nil
	}
	op := strings.ToUpper(fields[0])
	args := fields[1:]

	switch op {
	case "CREATE":
		return 0, true, ex.execCreate(pc, args)
	case "TRUNCATE":
		return 0, true, ex.execTruncate(pc, args)
	case "WRITE":
		return 0, false, ex.execWrite(pc, args)
	case "READ":
		return 0, false, ex.execRead(queryID, pc, args, reporter)
	case "TAG":
		return 0, true, ex.execTag(pc, args)
	case "COMMIT":
		return 0, true, ex.execCommit(pc, args)
	case "FLUSH":
		return 0, false, ex.execFlush(pc, args)
	case "DELETE":
		return 0, true, ex.execDelete(pc, args)
	case "END":
		return Ended, false, nil
	default:
		return 0, true, fmt.Errorf("malformed instruction at line %d: %q", pc, line)
	}
}

func (ex *Executor) execCreate(pc int32, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("CREATE: expected 1 argument, got %d", len(args))
	}
	ft := types.ParseFileTag(args[0])
	status, err := ex.storage.Create(pc, ft)
	if err != nil {
		return err
	}
	ex.memory.SetSize(ft, status.Size)
	return nil
}

func (ex *Executor) execTruncate(pc int32, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("TRUNCATE: expected 2 arguments, got %d", len(args))
	}
	ft := types.ParseFileTag(args[0])
	size, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("TRUNCATE: bad size %q: %w", args[1], err)
	}
	status, err := ex.storage.Truncate(pc, ft, size)
	if err != nil {
		return err
	}
	// Dropping the cache on every TRUNCATE avoids serving stale frames for
	// logical indices that a shrink-then-grow sequence has reassigned to a
	// different physical block.
	ex.memory.DropFileTag(ft)
	ex.memory.SetSize(ft, status.Size)
	return nil
}

func (ex *Executor) execWrite(pc int32, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("WRITE: expected at least 2 arguments, got %d", len(args))
	}
	ft := types.ParseFileTag(args[0])
	offset, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("WRITE: bad offset %q: %w", args[1], err)
	}
	content := []byte(strings.Join(args[2:], " "))
	if len(content) == 0 {
		return nil
	}

	// Clip to the file's declared logical size, mirroring the storage
	// engine's own Write boundary: a write at or past size is a no-op, one
	// that runs off the end is shortened to fit. The size shadow lives in
	// this worker's page cache and survives redispatch on the same worker,
	// but not a move to a different one; when unknown, fall through and let
	// the page fault against the block allocation bound it instead.
	if size, ok := ex.memory.Size(ft); ok {
		if offset >= size {
			return nil
		}
		if remaining := size - offset; uint64(len(content)) > remaining {
			content = content[:remaining]
		}
	}

	blockSize := uint64(ex.memory.frameSize)
	written := 0
	for written < len(content) {
		curOffset := offset + uint64(written)
		index := int(curOffset / blockSize)
		withinBlock := int(curOffset % blockSize)
		n := len(content) - written
		if withinBlock+n > int(blockSize) {
			n = int(blockSize) - withinBlock
		}
		chunk := content[written : written+n]

		mutateErr := ex.memory.MutateBlock(pc, ft, index, func(frame []byte) {
			copy(frame[withinBlock:withinBlock+len(chunk)], chunk)
		})
		if mutateErr != nil {
			if written == 0 {
				return mutateErr
			}
			// Reached the end of the file's allocated blocks without a known
			// size to clip against up front; treat it the same as hitting
			// the declared size exactly.
			return nil
		}
		written += n
	}
	return nil
}

func (ex *Executor) execRead(queryID uint32, pc int32, args []string, reporter Reporter) error {
	if len(args) != 3 {
		return fmt.Errorf("READ: expected 3 arguments, got %d", len(args))
	}
	ft := types.ParseFileTag(args[0])
	offset, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("READ: bad offset %q: %w", args[1], err)
	}
	sz, err := strconv.ParseUint(args[2], 10, 64)
	if err != nil {
		return fmt.Errorf("READ: bad size %q: %w", args[2], err)
	}

	if reporter != nil {
		if err := reporter.ReportReadNotice(queryID); err != nil {
			ex.log.Warn().Err(err).Msg("failed to send read notice")
		}
	}

	blockSize := uint64(ex.memory.frameSize)
	out := make([]byte, 0, sz)
	var readErr error
	for uint64(len(out)) < sz {
		curOffset := offset + uint64(len(out))
		index := int(curOffset / blockSize)
		withinBlock := int(curOffset % blockSize)
		remaining := sz - uint64(len(out))

		data, err := ex.memory.ReadBlock(pc, ft, index)
		if err != nil {
			readErr = err
			break
		}
		n := uint64(len(data) - withinBlock)
		if n > remaining {
			n = remaining
		}
		out = append(out, data[withinBlock:withinBlock+int(n)]...)
	}

	if reporter != nil {
		if repErr := reporter.ReportReadResult(queryID, ft, out); repErr != nil {
			ex.log.Warn().Err(repErr).Msg("failed to send read result")
		}
	}
	return readErr
}

func (ex *Executor) execTag(pc int32, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("TAG: expected 2 arguments, got %d", len(args))
	}
	src := types.ParseFileTag(args[0])
	dst := types.ParseFileTag(args[1])
	if src.File != dst.File {
		return errors.New("TAG: source and destination must name the same file")
	}
	status, err := ex.storage.Tag(pc, src, dst)
	if err != nil {
		return err
	}
	ex.memory.SetSize(dst, status.Size)
	return nil
}

func (ex *Executor) execCommit(pc int32, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("COMMIT: expected 1 argument, got %d", len(args))
	}
	ft := types.ParseFileTag(args[0])
	if err := ex.memory.FlushFileTag(pc, ft); err != nil {
		return fmt.Errorf("COMMIT: implicit flush: %w", err)
	}
	_, err := ex.storage.Commit(pc, ft)
	return err
}

func (ex *Executor) execFlush(pc int32, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("FLUSH: expected 1 argument, got %d", len(args))
	}
	ft := types.ParseFileTag(args[0])
	if err := ex.memory.FlushFileTag(pc, ft); err != nil {
		return err
	}
	_, err := ex.storage.Flush(pc, ft)
	return err
}

func (ex *Executor) execDelete(pc int32, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("DELETE: expected 1 argument, got %d", len(args))
	}
	ft := types.ParseFileTag(args[0])
	if ft == types.InitialFile {
		return errors.New("DELETE: initial_file:BASE may not be deleted")
	}
	if err := ex.storage.Delete(pc, ft); err != nil {
		return err
	}
	ex.memory.DropFileTag(ft)
	return nil
}
