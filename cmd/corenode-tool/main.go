// Command corenode-tool is the operator-facing companion to a running
// node: it dials the node's "Filecoin" JSON-RPC namespace for the db
// subcommands and reads/writes snapshot archives directly off disk for
// the archive subcommands, the same split forest's tool binary draws
// between "talk to a live daemon" and "work on a file on disk".
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/ipfs/go-cid"
	"github.com/urfave/cli/v2"

	"corechain/internal/archive"
	"corechain/internal/archive/index"
	"corechain/internal/blockstore/segment"
	ccid "corechain/internal/cid"
	"corechain/internal/rpc"
)

func main() {
	app := &cli.App{
		Name:  "corenode-tool",
		Usage: "Inspect and maintain a corechain node's chain store",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "rpc-addr",
				Value:   envOrDefault("CORENODE_TOOL_RPC_ADDR", "ws://127.0.0.1:2137/rpc/v1"),
				Usage:   "Address of the node's JSON-RPC listener",
				EnvVars: []string{"CORENODE_TOOL_RPC_ADDR"},
			},
			&cli.StringFlag{
				Name:    "rpc-token",
				Value:   os.Getenv("CORENODE_TOOL_TOKEN"),
				Usage:   "Bearer token for the node's JSON-RPC listener",
				EnvVars: []string{"CORENODE_TOOL_TOKEN"},
			},
		},
		Commands: []*cli.Command{
			dbCommand(),
			archiveCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func dbCommand() *cli.Command {
	return &cli.Command{
		Name:  "db",
		Usage: "Operate on a running node's blockstore via RPC",
		Subcommands: []*cli.Command{
			{
				Name:  "gc",
				Usage: "Request a garbage collection cycle and wait for it to complete",
				Action: func(c *cli.Context) error {
					client, closer, err := dial(c)
					if err != nil {
						return err
					}
					defer closer()
					res, err := client.DbGc(c.Context)
					if err != nil {
						return fmt.Errorf("db_gc: %w", err)
					}
					fmt.Printf("gc complete: started=%d finished=%d (%.2fs)\n",
						res.StartedUnixNano, res.FinishedUnixNano,
						float64(res.FinishedUnixNano-res.StartedUnixNano)/1e9)
					return nil
				},
			},
			{
				Name:  "head",
				Usage: "Print the node's current chain head",
				Action: func(c *cli.Context) error {
					client, closer, err := dial(c)
					if err != nil {
						return err
					}
					defer closer()
					head, err := client.ChainHead(c.Context)
					if err != nil {
						return fmt.Errorf("ChainHead: %w", err)
					}
					fmt.Printf("height=%d\n", head.Height)
					for _, cid := range head.Cids {
						fmt.Printf("  %s\n", cid)
					}
					return nil
				},
			},
		},
	}
}

func dial(c *cli.Context) (*rpc.Client, func(), error) {
	client, closer, err := rpc.NewClient(c.Context, c.String("rpc-addr"), c.String("rpc-token"))
	if err != nil {
		return nil, nil, fmt.Errorf("dialing %s: %w", c.String("rpc-addr"), err)
	}
	return client, func() { closer() }, nil
}

// indexPath names the sidecar index file a standalone archive keeps
// next to it, mirroring the "frames.bin" / "frames.idx" pairing each
// segment generation keeps (internal/blockstore/segment/store.go).
func indexPath(archivePath string) string {
	return archivePath + ".idx"
}

func archiveCommand() *cli.Command {
	return &cli.Command{
		Name:  "archive",
		Usage: "Export, import and inspect snapshot archive files",
		Subcommands: []*cli.Command{
			{
				Name:      "export",
				Usage:     "Write every block in a node's blockstore (plus declared roots) to a new archive file",
				ArgsUsage: "<blockstore-dir> <output-path>",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:  "root",
						Usage: "Root CID to record in the archive (repeatable); the snapshot's block set is unaffected",
					},
				},
				Action: archiveExport,
			},
			{
				Name:      "import",
				Usage:     "Read every block out of an archive file and put it into a node's blockstore",
				ArgsUsage: "<path> <blockstore-dir>",
				Action:    archiveImport,
			},
			{
				Name:      "inspect",
				Usage:     "Print the declared roots and enumerate every frame in an archive",
				ArgsUsage: "<path>",
				Action:    archiveInspect,
			},
			{
				Name:      "get",
				Usage:     "Print the length of a single block by CID, using the archive's sidecar index if present",
				ArgsUsage: "<path> <cid>",
				Action:    archiveGet,
			},
			{
				Name:      "verify",
				Usage:     "Check an archive's sidecar index against an independent rescan of its frame stream, rebuilding on mismatch",
				ArgsUsage: "<path>",
				Action:    archiveVerify,
			},
		},
	}
}

// archiveExport implements spec.md §2's "(C)/(D) serialize (B) into
// portable snapshots": it walks a blockstore's full key set, writes every
// block into a fresh archive under the caller-supplied roots, and builds
// the archive's sidecar index alongside it so a later "get"/"verify" (or
// another node's "import") never has to linear-scan the result.
func archiveExport(c *cli.Context) error {
	if c.Args().Len() < 2 {
		return cli.Exit("usage: corenode-tool archive export <blockstore-dir> <output-path>", 1)
	}
	blockDir := c.Args().Get(0)
	outPath := c.Args().Get(1)

	var roots []cid.Cid
	for _, s := range c.StringSlice("root") {
		r, err := cid.Decode(s)
		if err != nil {
			return fmt.Errorf("parsing --root %s: %w", s, err)
		}
		roots = append(roots, r)
	}

	bs, err := segment.Open(blockDir)
	if err != nil {
		return fmt.Errorf("opening blockstore: %w", err)
	}
	defer bs.Close()

	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer out.Close()

	wr, err := archive.NewWriter(out, roots)
	if err != nil {
		return fmt.Errorf("writing archive header: %w", err)
	}

	ctx := c.Context
	if ctx == nil {
		ctx = context.Background()
	}
	keys, err := bs.AllKeysChan(ctx)
	if err != nil {
		return fmt.Errorf("enumerating blockstore: %w", err)
	}

	records := make(map[ccid.SmallCid]index.Record)
	count := 0
	for k := range keys {
		blk, err := bs.Get(ctx, k)
		if err != nil {
			return fmt.Errorf("reading block %s: %w", k, err)
		}
		loc, err := wr.Put(blk)
		if err != nil {
			return fmt.Errorf("writing frame for %s: %w", k, err)
		}
		records[ccid.FromCid(k)] = frameRecordFor(k, loc)
		count++
	}
	if err := wr.Flush(); err != nil {
		return err
	}

	idx, err := index.Build(records)
	if err != nil {
		return fmt.Errorf("building sidecar index: %w", err)
	}
	idxFh, err := os.Create(indexPath(outPath))
	if err != nil {
		return err
	}
	defer idxFh.Close()
	if _, err := idx.WriteTo(idxFh); err != nil {
		return fmt.Errorf("writing sidecar index: %w", err)
	}

	fmt.Printf("exported %d blocks, %d roots -> %s (+%s)\n", count, len(roots), outPath, indexPath(outPath))
	return nil
}

// archiveImport is archiveExport's inverse: it reads every frame out of
// an archive and puts the corresponding block into a blockstore, letting
// an operator restore a node's chain state from a portable snapshot.
func archiveImport(c *cli.Context) error {
	if c.Args().Len() < 2 {
		return cli.Exit("usage: corenode-tool archive import <path> <blockstore-dir>", 1)
	}
	path := c.Args().Get(0)
	blockDir := c.Args().Get(1)

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	rd, err := archive.NewReader(f)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}

	bs, err := segment.Open(blockDir)
	if err != nil {
		return fmt.Errorf("opening blockstore: %w", err)
	}
	defer bs.Close()

	ctx := c.Context
	if ctx == nil {
		ctx = context.Background()
	}

	count := 0
	for {
		blk, _, err := rd.Next()
		if err != nil {
			break
		}
		if err := bs.Put(ctx, blk); err != nil {
			return fmt.Errorf("storing block %s: %w", blk.Cid(), err)
		}
		count++
	}
	fmt.Printf("imported %d blocks from %s, roots:\n", count, path)
	for _, r := range rd.Roots() {
		fmt.Printf("  %s\n", r)
	}
	return nil
}

func archiveInspect(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return cli.Exit("usage: corenode-tool archive inspect <path>", 1)
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	rd, err := archive.NewReader(f)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	fmt.Println("roots:")
	for _, r := range rd.Roots() {
		fmt.Printf("  %s\n", r)
	}
	fmt.Println("frames:")
	count := 0
	for {
		blk, loc, err := rd.Next()
		if err != nil {
			break
		}
		fmt.Printf("  %s offset=%d length=%d\n", blk.Cid(), loc.Offset, loc.Length)
		count++
	}
	fmt.Printf("%d frames\n", count)
	if _, err := os.Stat(indexPath(path)); err == nil {
		fmt.Printf("sidecar index: %s\n", indexPath(path))
	} else {
		fmt.Println("sidecar index: none (archive get/verify will linear-scan)")
	}
	return nil
}

// archiveGet resolves a single CID's frame location via the archive's
// sidecar index when one is present, falling back to a linear scan of
// the frame stream only when it is not. The index path is only ever a
// shortcut for locating the frame; the block bytes themselves are still
// read from the archive file, through an independent archive.Reader.
func archiveGet(c *cli.Context) error {
	if c.Args().Len() < 2 {
		return cli.Exit("usage: corenode-tool archive get <path> <cid>", 1)
	}
	path := c.Args().Get(0)
	target, err := cid.Decode(c.Args().Get(1))
	if err != nil {
		return fmt.Errorf("parsing cid: %w", err)
	}

	if idx, err := loadSidecarIndex(path); err == nil {
		rec, ok := idx.Lookup(ccid.FromCid(target))
		if !ok {
			return fmt.Errorf("cid %s not present in sidecar index %s", target, indexPath(path))
		}
		data, err := readFrameData(path, target, rec)
		if err != nil {
			return fmt.Errorf("reading frame for %s via sidecar index: %w", target, err)
		}
		fmt.Printf("%s: %d bytes (via sidecar index)\n", target, len(data))
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	rd, err := archive.NewReader(f)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	for {
		blk, _, err := rd.Next()
		if err != nil {
			return fmt.Errorf("cid %s not found in archive (no sidecar index; scanned to end)", target)
		}
		if blk.Cid().Equals(target) {
			fmt.Printf("%s: %d bytes (via linear scan)\n", target, len(blk.RawData()))
			return nil
		}
	}
}

// readFrameData reads a frame's cidBytes||data span directly off disk at
// rec's recorded offset and splits it via the CID's own self-describing
// encoding, the same way archive.Reader.Next does for a sequential read.
func readFrameData(path string, want cid.Cid, rec index.Record) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, rec.Length)
	if _, err := f.ReadAt(buf, int64(rec.Offset)); err != nil {
		return nil, fmt.Errorf("short read at offset %d: %w", rec.Offset, err)
	}
	got, n, err := cid.CidFromBytes(buf)
	if err != nil {
		return nil, fmt.Errorf("malformed cid in frame: %w", err)
	}
	if !got.Equals(want) {
		return nil, fmt.Errorf("frame at offset %d belongs to %s, not %s", rec.Offset, got, want)
	}
	return buf[n:], nil
}

// archiveVerify loads the archive's persisted sidecar index, independently
// rescans the frame stream to compute what that index should say, and
// reports any entry the two disagree on (or that either side is missing)
// as corruption. Unlike checking an index against the very scan it was
// just built from, this compares on-disk bytes read at program start
// against a fresh, separate read of the frame stream, so a genuinely
// truncated or bit-flipped index is caught. A missing or unreadable
// sidecar index is rebuilt from the rescan rather than treated as success.
func archiveVerify(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return cli.Exit("usage: corenode-tool archive verify <path>", 1)
	}

	persisted, persistedErr := loadSidecarIndex(path)

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	rd, err := archive.NewReader(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("opening archive: %w", err)
	}
	rescanned := make(map[ccid.SmallCid]index.Record)
	count := 0
	for {
		blk, loc, err := rd.Next()
		if err != nil {
			break
		}
		rescanned[ccid.FromCid(blk.Cid())] = frameRecordFor(blk.Cid(), loc)
		count++
	}
	f.Close()

	var mismatches []string
	if persistedErr != nil {
		mismatches = append(mismatches, fmt.Sprintf("no usable sidecar index (%s)", persistedErr))
	} else {
		for sc, want := range rescanned {
			got, ok := persisted.Lookup(sc)
			if !ok {
				mismatches = append(mismatches, fmt.Sprintf("sidecar index missing entry for frame at offset %d", want.Offset))
				continue
			}
			if got != want {
				mismatches = append(mismatches, fmt.Sprintf("sidecar index disagrees with frame stream: got %+v want %+v", got, want))
			}
		}
		keys, _, err := persisted.Entries()
		if err != nil {
			mismatches = append(mismatches, fmt.Sprintf("sidecar index entries undecodable: %s", err))
		} else if len(keys) != len(rescanned) {
			mismatches = append(mismatches, fmt.Sprintf("sidecar index has %d entries, frame stream has %d", len(keys), len(rescanned)))
		}
	}

	if len(mismatches) == 0 {
		fmt.Printf("ok: %d frames, sidecar index matches an independent rescan\n", count)
		return nil
	}

	for _, m := range mismatches {
		fmt.Fprintln(os.Stderr, "mismatch:", m)
	}
	fmt.Printf("rebuilding %s from rescanned frame stream (%d frames)\n", indexPath(path), count)
	idx, err := index.Build(rescanned)
	if err != nil {
		return fmt.Errorf("rebuilding index: %w", err)
	}
	idxFh, err := os.Create(indexPath(path))
	if err != nil {
		return err
	}
	defer idxFh.Close()
	if _, err := idx.WriteTo(idxFh); err != nil {
		return fmt.Errorf("writing rebuilt index: %w", err)
	}
	return fmt.Errorf("archive failed verification: %d mismatch(es), index rebuilt", len(mismatches))
}

func loadSidecarIndex(archivePath string) (*index.Index, error) {
	b, err := os.ReadFile(indexPath(archivePath))
	if err != nil {
		return nil, fmt.Errorf("reading sidecar index: %w", err)
	}
	idx, err := index.ReadFrom(b)
	if err != nil {
		return nil, fmt.Errorf("parsing sidecar index: %w", err)
	}
	return idx, nil
}

// frameRecordFor converts a frame's archive.FrameLocation (covering only
// the block's raw data, per archive.Writer.Put) into the sidecar index's
// Record, which covers the whole cidBytes||data span a reader needs to
// re-derive the split via cid.CidFromBytes. Mirrors
// internal/blockstore/segment/store.go's helper of the same name.
func frameRecordFor(c cid.Cid, loc archive.FrameLocation) index.Record {
	cidLen := uint64(len(c.Bytes()))
	return index.Record{Offset: loc.Offset - cidLen, Length: cidLen + loc.Length}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
