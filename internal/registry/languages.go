package registry

import "time"

// Default limit tiers. Interpreters are cheap; AOT toolchains need headroom
// for the compile stage; JVM-hosted compilers are the slowest of all.
var (
	interpLimits = Limits{WallTimeout: 10 * time.Second, CPUSeconds: 10, MemoryMB: 256}
	nativeLimits = Limits{WallTimeout: 30 * time.Second, CPUSeconds: 20, MemoryMB: 512}
	jvmLimits    = Limits{WallTimeout: 60 * time.Second, CPUSeconds: 30, MemoryMB: 1024}
)

// interp builds a single-stage profile for an interpreted language.
func interp(id string, aliases []string, ext string, command ...string) Profile {
	return Profile{
		ID:        id,
		Aliases:   aliases,
		Extension: ext,
		Stages:    []Stage{{Name: "run", Command: command}},
		Limits:    interpLimits,
	}
}

// builtins returns the full language catalog.
//
// Command templates use three placeholders expanded by the runner:
//
//	{source} — absolute path of the materialized source file
//	{binary} — absolute path for a compiled artifact
//	{dir}    — the ephemeral work area
func builtins() []Profile {
	return []Profile{
		// --- Interpreted ---
		interp("python3", []string{"py", "python"}, ".py", "python3", "{source}"),
		interp("python2", []string{"py2"}, ".py", "python2", "{source}"),
		interp("ruby", []string{"rb"}, ".rb", "ruby", "{source}"),
		interp("perl", []string{"pl"}, ".pl", "perl", "{source}"),
		interp("raku", []string{"perl6"}, ".raku", "raku", "{source}"),
		interp("php", nil, ".php", "php", "{source}"),
		interp("javascript", []string{"js", "node"}, ".js", "node", "{source}"),
		interp("lua", nil, ".lua", "lua", "{source}"),
		interp("bash", []string{"shell"}, ".sh", "bash", "{source}"),
		interp("sh", nil, ".sh", "sh", "{source}"),
		interp("r", []string{"rscript"}, ".r", "Rscript", "{source}"),
		interp("julia", []string{"jl"}, ".jl", "julia", "{source}"),
		interp("elixir", []string{"ex"}, ".exs", "elixir", "{source}"),
		interp("erlang", []string{"erl"}, ".erl", "escript", "{source}"),
		interp("dart", nil, ".dart", "dart", "{source}"),
		interp("groovy", nil, ".groovy", "groovy", "{source}"),
		interp("clojure", []string{"clj"}, ".clj", "clojure", "-M", "{source}"),
		interp("scala", nil, ".scala", "scala", "{source}"),
		interp("tcl", nil, ".tcl", "tclsh", "{source}"),
		interp("awk", nil, ".awk", "awk", "-f", "{source}"),
		interp("scheme", nil, ".scm", "guile", "--no-auto-compile", "{source}"),
		interp("commonlisp", []string{"lisp"}, ".lisp", "sbcl", "--script", "{source}"),
		interp("prolog", []string{"swipl"}, ".pl", "swipl", "-q", "-s", "{source}", "-t", "halt"),
		interp("octave", []string{"matlab"}, ".m", "octave", "-q", "{source}"),
		interp("ocaml", []string{"ml"}, ".ml", "ocaml", "{source}"),
		interp("swift", nil, ".swift", "swift", "{source}"),
		interp("fsharp", []string{"fs"}, ".fsx", "dotnet", "fsi", "{source}"),

		// --- Compile then run, native toolchains ---
		{
			ID: "c", Extension: ".c",
			Stages: []Stage{
				{Name: "compile", Command: []string{"gcc", "-O2", "-std=c17", "{source}", "-o", "{binary}", "-lm"}},
				{Name: "run", Command: []string{"{binary}"}},
			},
			Limits: nativeLimits,
		},
		{
			ID: "cpp", Aliases: []string{"c++", "cc"}, Extension: ".cpp",
			Stages: []Stage{
				{Name: "compile", Command: []string{"g++", "-O2", "-std=c++20", "{source}", "-o", "{binary}"}},
				{Name: "run", Command: []string{"{binary}"}},
			},
			Limits: nativeLimits,
		},
		{
			ID: "go", Aliases: []string{"golang"}, Extension: ".go",
			Stages: []Stage{
				{Name: "compile", Command: []string{"go", "build", "-o", "{binary}", "{source}"}},
				{Name: "run", Command: []string{"{binary}"}},
			},
			Limits: nativeLimits,
		},
		{
			ID: "rust", Aliases: []string{"rs"}, Extension: ".rs",
			Stages: []Stage{
				{Name: "compile", Command: []string{"rustc", "-O", "{source}", "-o", "{binary}"}},
				{Name: "run", Command: []string{"{binary}"}},
			},
			Limits: nativeLimits,
		},
		{
			ID: "haskell", Aliases: []string{"hs"}, Extension: ".hs",
			Stages: []Stage{
				{Name: "compile", Command: []string{"ghc", "-O2", "-outputdir", "{dir}", "{source}", "-o", "{binary}"}},
				{Name: "run", Command: []string{"{binary}"}},
			},
			Limits: nativeLimits,
		},
		{
			ID: "d", Aliases: []string{"dlang"}, Extension: ".d",
			Stages: []Stage{
				{Name: "compile", Command: []string{"dmd", "-of={binary}", "{source}"}},
				{Name: "run", Command: []string{"{binary}"}},
			},
			Limits: nativeLimits,
		},
		{
			ID: "nim", Extension: ".nim",
			Stages: []Stage{
				{Name: "compile", Command: []string{"nim", "c", "-d:release", "--nimcache:{dir}", "-o:{binary}", "{source}"}},
				{Name: "run", Command: []string{"{binary}"}},
			},
			Limits: nativeLimits,
		},
		{
			ID: "zig", Extension: ".zig",
			Stages: []Stage{
				{Name: "compile", Command: []string{"zig", "build-exe", "-O", "ReleaseSafe", "-femit-bin={binary}", "{source}"}},
				{Name: "run", Command: []string{"{binary}"}},
			},
			Limits: nativeLimits,
		},
		{
			ID: "crystal", Aliases: []string{"cr"}, Extension: ".cr",
			Stages: []Stage{
				{Name: "compile", Command: []string{"crystal", "build", "-o", "{binary}", "{source}"}},
				{Name: "run", Command: []string{"{binary}"}},
			},
			Limits: nativeLimits,
		},
		{
			ID: "v", Aliases: []string{"vlang"}, Extension: ".v",
			Stages: []Stage{
				{Name: "compile", Command: []string{"v", "-o", "{binary}", "{source}"}},
				{Name: "run", Command: []string{"{binary}"}},
			},
			Limits: nativeLimits,
		},
		{
			ID: "fortran", Aliases: []string{"f90"}, Extension: ".f90",
			Stages: []Stage{
				{Name: "compile", Command: []string{"gfortran", "{source}", "-o", "{binary}"}},
				{Name: "run", Command: []string{"{binary}"}},
			},
			Limits: nativeLimits,
		},
		{
			ID: "pascal", Aliases: []string{"pas"}, Extension: ".pas",
			Stages: []Stage{
				{Name: "compile", Command: []string{"fpc", "-o{binary}", "{source}"}},
				{Name: "run", Command: []string{"{binary}"}},
			},
			Limits: nativeLimits,
		},
		{
			ID: "cobol", Aliases: []string{"cob"}, Extension: ".cob",
			Stages: []Stage{
				{Name: "compile", Command: []string{"cobc", "-x", "-free", "-o", "{binary}", "{source}"}},
				{Name: "run", Command: []string{"{binary}"}},
			},
			Limits: nativeLimits,
		},
		{
			ID: "nasm", Aliases: []string{"asm"}, Extension: ".asm",
			Stages: []Stage{
				{Name: "compile", Command: []string{"nasm", "-felf64", "{source}", "-o", "{dir}/main.o"}},
				{Name: "link", Command: []string{"ld", "{dir}/main.o", "-o", "{binary}"}},
				{Name: "run", Command: []string{"{binary}"}},
			},
			Limits: nativeLimits,
		},

		// --- Compile then run, managed runtimes ---
		{
			ID: "java", Extension: ".java", Filename: "Main.java",
			Stages: []Stage{
				{Name: "compile", Command: []string{"javac", "-d", "{dir}", "{source}"}},
				{Name: "run", Command: []string{"java", "-cp", "{dir}", "Main"}},
			},
			Limits: jvmLimits,
		},
		{
			ID: "kotlin", Aliases: []string{"kt"}, Extension: ".kt",
			Stages: []Stage{
				{Name: "compile", Command: []string{"kotlinc", "{source}", "-include-runtime", "-d", "{dir}/main.jar"}},
				{Name: "run", Command: []string{"java", "-jar", "{dir}/main.jar"}},
			},
			Limits: jvmLimits,
		},
		{
			ID: "typescript", Aliases: []string{"ts"}, Extension: ".ts", Filename: "main.ts",
			Stages: []Stage{
				{Name: "compile", Command: []string{"tsc", "--outDir", "{dir}", "{source}"}},
				{Name: "run", Command: []string{"node", "{dir}/main.js"}},
			},
			Limits: nativeLimits,
		},
		{
			ID: "csharp", Aliases: []string{"cs", "c#"}, Extension: ".cs",
			Stages: []Stage{
				{Name: "compile", Command: []string{"mcs", "-out:{dir}/main.exe", "{source}"}},
				{Name: "run", Command: []string{"mono", "{dir}/main.exe"}},
			},
			Limits: nativeLimits,
		},
		{
			ID: "vbnet", Aliases: []string{"vb"}, Extension: ".vb",
			Stages: []Stage{
				{Name: "compile", Command: []string{"vbnc", "/out:{dir}/main.exe", "{source}"}},
				{Name: "run", Command: []string{"mono", "{dir}/main.exe"}},
			},
			Limits: nativeLimits,
		},
	}
}
