// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// Package formula provides the Go representation of smelter formula files.
//
// A formula is a declarative build recipe: it names a source artifact and its
// checksum, the formulas it depends on, the ordered install steps that
// configure, compile and install it, and the test steps that prove the result
// works. Formulas are written in HCL, one or more `formula "<name>" {}` blocks
// per file:
//
//	formula "binutils" {
//	  version = "2.41"
//	  source {
//	    url     = "https://ftp.gnu.org/gnu/binutils/binutils-2.41.tar.xz"
//	    mirrors = ["https://ftpmirror.gnu.org/binutils/binutils-2.41.tar.xz"]
//	    sha256  = "ae9a5789e23459e59606e6714723f2d3ffc31c03174191ef0d015bdf06007450"
//	  }
//	  step "configure" {
//	    dir     = "build"
//	    command = ["../configure", "--target=${target}", "--prefix=${prefix}"]
//	  }
//	}
//
// String attributes that may reference the substitution table (commands,
// directories, environment values, test expectations) are kept as raw
// hcl.Expression values and evaluated only when a build or test runs, because
// values such as `dep.binutils.bin` exist only after the dependency has been
// installed. Structural attributes (names, dependencies, checksums, timeouts)
// are decoded and validated at load time so that a broken formula is reported
// before anything is fetched.
package formula
