package inside

import (
	"context"
	"errors"
	"testing"

	"github.com/andrewbaxter/dinker-strip/striplib"
	"github.com/andrewbaxter/dinker-strip/striplib/command"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reply struct {
	stdout string
	err    error
}

type fakeRunner struct {
	replies map[string]reply
	ran     []string
}

func (f *fakeRunner) Execute(ctx context.Context, c command.Command) ([]byte, error) {
	f.ran = append(f.ran, c.String())
	r, ok := f.replies[c.String()]
	if !ok {
		return nil, &command.ExitError{Command: c.String(), Code: 127, Stderr: "unexpected command"}
	}
	return []byte(r.stdout), r.err
}

func exitErr(code int, stdout, stderr string) error {
	return &command.ExitError{Code: code, Stdout: stdout, Stderr: stderr}
}

func TestParseLddGlibc(t *testing.T) {
	out := "\tlinux-vdso.so.1 (0x00007ffd4b5f2000)\n" +
		"\tlibcurl.so.4 => /usr/lib/x86_64-linux-gnu/libcurl.so.4 (0x00007f0a1c000000)\n" +
		"\tlibz.so.1 => /lib/x86_64-linux-gnu/libz.so.1 (0x00007f0a1bfe0000)\n" +
		"\tlibgone.so.2 => not found\n" +
		"\t/lib64/ld-linux-x86-64.so.2 (0x00007f0a1c2f0000)\n"
	paths, missing := ParseLdd(out)
	assert.Equal(t, []string{
		"/usr/lib/x86_64-linux-gnu/libcurl.so.4",
		"/lib/x86_64-linux-gnu/libz.so.1",
		"/lib64/ld-linux-x86-64.so.2",
	}, paths)
	assert.Equal(t, []string{"libgone.so.2"}, missing)
}

func TestParseLddMusl(t *testing.T) {
	out := "\t/lib/ld-musl-x86_64.so.1 (0x7f1c2a0b5000)\n" +
		"\tlibssl.so.3 => /lib/libssl.so.3 (0x7f1c29fd1000)\n" +
		"\tlibc.musl-x86_64.so.1 => /lib/ld-musl-x86_64.so.1 (0x7f1c2a0b5000)\n"
	paths, missing := ParseLdd(out)
	assert.Equal(t, []string{
		"/lib/ld-musl-x86_64.so.1",
		"/lib/libssl.so.3",
		"/lib/ld-musl-x86_64.so.1",
	}, paths)
	assert.Empty(t, missing)
}

func TestLddNeeded(t *testing.T) {
	runner := &fakeRunner{replies: map[string]reply{
		"ldd /usr/bin/curl":    {stdout: "\tlibz.so.1 => /lib/libz.so.1 (0x1)\n"},
		"ldd /usr/bin/static":  {err: exitErr(1, "\tnot a dynamic executable\n", "")},
		"ldd /usr/bin/pie":     {stdout: "\tstatically linked\n"},
		"ldd /usr/bin/broken":  {err: exitErr(1, "", "ldd: /usr/bin/broken: Permission denied")},
		"ldd /usr/share/a.txt": {err: exitErr(1, "", "ldd: /usr/share/a.txt: Not a valid dynamic program")},
	}}
	ldd := &Ldd{Runner: runner}
	ctx := context.Background()

	paths, err := ldd.Needed(ctx, "/usr/bin/curl")
	require.NoError(t, err)
	assert.Equal(t, []string{"/lib/libz.so.1"}, paths)

	for _, p := range []string{"/usr/bin/static", "/usr/bin/pie", "/usr/share/a.txt"} {
		paths, err := ldd.Needed(ctx, p)
		require.NoError(t, err, p)
		assert.Empty(t, paths, p)
	}

	_, err = ldd.Needed(ctx, "/usr/bin/broken")
	assert.ErrorContains(t, err, "Permission denied")
}

func TestDpkg(t *testing.T) {
	runner := &fakeRunner{replies: map[string]reply{
		"dpkg-query -L curl": {stdout: "/.\n/usr\n/usr/bin\n/usr/bin/curl\n" +
			"package diverts others to: /usr/bin/curl.real\n"},
		"dpkg-query -L nope": {err: exitErr(1, "", "dpkg-query: package 'nope' is not installed\n")},
		"dpkg-query -W '-f=${Depends}, ${Pre-Depends}' curl": {
			stdout: "libc6 (>= 2.34), libcurl4 (= 7.88.1-10), zlib1g:amd64 (>= 1:1.1.4), default-mta | mail-transport-agent, ",
		},
	}}
	d := &Dpkg{Runner: runner}
	ctx := context.Background()

	owned, err := d.Owned(ctx, "curl")
	require.NoError(t, err)
	assert.Equal(t, []string{"/.", "/usr", "/usr/bin", "/usr/bin/curl", "/usr/bin/curl.real"}, owned)

	_, err = d.Owned(ctx, "nope")
	assert.ErrorIs(t, err, striplib.ErrUnknownPackage)

	deps, err := d.Depends(ctx, "curl")
	require.NoError(t, err)
	assert.Equal(t, []string{"libc6", "libcurl4", "zlib1g", "default-mta", "mail-transport-agent"}, deps)
}

func TestApk(t *testing.T) {
	runner := &fakeRunner{replies: map[string]reply{
		"apk info -e curl":  {stdout: "curl\n"},
		"apk info -qL curl": {stdout: "usr/bin/curl\n\n"},
		"apk info -e nope":  {err: exitErr(1, "", "")},
		"apk info -qR curl": {stdout: "ca-certificates-bundle\nlibcurl=8.5.0-r0\nso:libc.musl-x86_64.so.1\nso:libz.so.1\n"},
	}}
	a := &Apk{Runner: runner}
	ctx := context.Background()

	owned, err := a.Owned(ctx, "curl")
	require.NoError(t, err)
	assert.Equal(t, []string{"/usr/bin/curl"}, owned)

	_, err = a.Owned(ctx, "nope")
	assert.ErrorIs(t, err, striplib.ErrUnknownPackage)

	deps, err := a.Depends(ctx, "curl")
	require.NoError(t, err)
	assert.Equal(t, []string{"ca-certificates-bundle", "libcurl"}, deps)
}

func TestRpm(t *testing.T) {
	runner := &fakeRunner{replies: map[string]reply{
		"rpm -ql curl":       {stdout: "/usr/bin/curl\n/usr/share/man/man1/curl.1.gz\n"},
		"rpm -ql filesystem": {stdout: "(contains no files)\n"},
		"rpm -ql nope":       {err: exitErr(1, "package nope is not installed\n", "")},
		"rpm -qR curl": {stdout: "/bin/sh\nlibc.so.6()(64bit)\nlibcurl(x86-64) >= 7.76.1-26\n" +
			"libcurl\nrpmlib(CompressedFileNames) <= 3.0.4-1\nopenssl-libs >= 1:3.0.7\n"},
	}}
	r := &Rpm{Runner: runner}
	ctx := context.Background()

	owned, err := r.Owned(ctx, "curl")
	require.NoError(t, err)
	assert.Equal(t, []string{"/usr/bin/curl", "/usr/share/man/man1/curl.1.gz"}, owned)

	owned, err = r.Owned(ctx, "filesystem")
	require.NoError(t, err)
	assert.Empty(t, owned)

	_, err = r.Owned(ctx, "nope")
	assert.ErrorIs(t, err, striplib.ErrUnknownPackage)

	deps, err := r.Depends(ctx, "curl")
	require.NoError(t, err)
	assert.Equal(t, []string{"libcurl", "openssl-libs"}, deps)
}

func TestDetectPackageManager(t *testing.T) {
	defer func(orig func(string) (string, error)) { LookPath = orig }(LookPath)

	tests := []struct {
		name      string
		available []string
		want      striplib.PackageQuery
		wantErr   error
	}{
		{"debian", []string{"dpkg-query", "apk"}, &Dpkg{}, nil},
		{"alpine", []string{"apk"}, &Apk{}, nil},
		{"fedora", []string{"rpm"}, &Rpm{}, nil},
		{"distroless", nil, nil, striplib.ErrNoPackageManager},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			LookPath = func(name string) (string, error) {
				for _, a := range tt.available {
					if a == name {
						return "/usr/bin/" + name, nil
					}
				}
				return "", errors.New("not found")
			}
			got, err := DetectPackageManager(nil)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.want, got)
		})
	}
}
