package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/quantuminterface/qiclib/config"
	"github.com/quantuminterface/qiclib/jobfile"
	"github.com/quantuminterface/qiclib/qicode/compiler"
	"github.com/quantuminterface/qiclib/store"
)

var (
	emit = flag.String(
		"emit",
		"asm",
		"output format: asm (instruction listing) or bin (program binary)",
	)
	output = flag.String(
		"o",
		"",
		"output file (defaults to stdout)",
	)
	samplePath = flag.String(
		"sample",
		"",
		"YAML sample file binding cell properties",
	)
	archiveDir = flag.String(
		"archive",
		"",
		"config directory whose store receives the compiled program",
	)
	skipSync = flag.Bool(
		"skip-oscillator-sync",
		false,
		"omit the oscillator phase-reset preamble",
	)
	printVersion = flag.Bool(
		"version",
		false,
		"print the compiler version and exit",
	)
)

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "qicc: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	flag.Parse()

	if *printVersion {
		fmt.Println("qicc", config.Version)
		return
	}

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: qicc [flags] <jobfile.hcl>")
		flag.PrintDefaults()
		os.Exit(2)
	}

	doc, err := jobfile.LoadDocument(flag.Arg(0))
	if err != nil {
		fatalf("%v", err)
	}

	sample := doc.Sample
	if *samplePath != "" {
		fileSample, err := jobfile.LoadSample(*samplePath)
		if err != nil {
			fatalf("%v", err)
		}
		sample = jobfile.MergeSamples(sample, fileSample)
	}

	program, err := compiler.Compile(doc.Job, compiler.Options{
		Sample:             sample,
		SkipOscillatorSync: *skipSync,
	})
	if err != nil {
		fatalf("%v", err)
	}

	for _, warning := range program.Warnings {
		fmt.Fprintln(os.Stderr, "warning:", warning.String())
	}

	if *archiveDir != "" {
		hash, err := archiveProgram(program)
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Fprintln(os.Stderr, "archived as", hash)
	}

	var out []byte
	switch *emit {
	case "asm":
		out = []byte(program.Listing())
	case "bin":
		out = program.Binary()
	default:
		fatalf("unknown emit format %q", *emit)
	}

	if *output == "" {
		if _, err := os.Stdout.Write(out); err != nil {
			fatalf("%v", err)
		}
		return
	}
	if err := os.WriteFile(*output, out, 0o644); err != nil {
		fatalf("%v", err)
	}
}

func archiveProgram(program *compiler.Program) (string, error) {
	cfg, err := config.LoadConfig(*archiveDir)
	if err != nil {
		return "", err
	}
	dbCfg := cfg.DB.WithDefaults()
	db, err := store.NewPebbleDB(&dbCfg)
	if err != nil {
		return "", err
	}
	defer db.Close()
	logger, closer, err := cfg.CreateLogger(false)
	if err != nil {
		return "", err
	}
	defer closer.Close()
	return store.NewArchive(db, logger).SaveProgram(program)
}
