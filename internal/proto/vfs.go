package proto

// Stat is the POSIX-style stat record carried by device entries and
// returned from OPEN/STAT.
type Stat struct {
	Mode uint32
	Size int64
	UID  uint32
	GID  uint32
}

// S_IFCHR bit of Stat.Mode.
const ModeCharDevice = 0o020000

// IsCharDevice reports whether Mode carries the character-device bit.
func (s Stat) IsCharDevice() bool { return s.Mode&ModeCharDevice != 0 }

func (w *writer) stat(s Stat) {
	w.u32(s.Mode)
	w.i64(s.Size)
	w.u32(s.UID)
	w.u32(s.GID)
}

func (r *reader) stat() Stat {
	return Stat{Mode: r.u32(), Size: r.i64(), UID: r.u32(), GID: r.u32()}
}

// AddRequest registers a device path with its owning handler process
// and the ioctl command codes the device supports.
type AddRequest struct {
	Path       string
	Stat       Stat
	Handler    int32
	DeviceInfo []uint32
}

func (q *AddRequest) Marshal() []byte {
	var w writer
	w.str(q.Path)
	w.stat(q.Stat)
	w.i32(q.Handler)
	w.u32(uint32(len(q.DeviceInfo)))
	for _, c := range q.DeviceInfo {
		w.u32(c)
	}
	return w.buf
}

func (q *AddRequest) Unmarshal(data []byte) error {
	r := reader{buf: data}
	q.Path = r.str()
	q.Stat = r.stat()
	q.Handler = r.i32()
	n := int(r.u32())
	q.DeviceInfo = nil
	for i := 0; i < n && r.err == nil; i++ {
		q.DeviceInfo = append(q.DeviceInfo, r.u32())
	}
	return r.err
}

// AddResponse carries the current owner on ALREADY_EXIST so an
// idempotent re-ADD can observe who holds the path.
type AddResponse struct {
	Status  uint32
	Handler int32
}

func (p *AddResponse) Marshal() []byte {
	var w writer
	w.u32(p.Status)
	w.i32(p.Handler)
	return w.buf
}

func (p *AddResponse) Unmarshal(data []byte) error {
	r := reader{buf: data}
	p.Status = r.u32()
	p.Handler = r.i32()
	return r.err
}

// PathRequest is the shared request shape of OPEN, STAT, REMOVE,
// UMOUNT and WATCH_NOTIFY: just a path.
type PathRequest struct {
	Path string
}

func (q *PathRequest) Marshal() []byte {
	var w writer
	w.str(q.Path)
	return w.buf
}

func (q *PathRequest) Unmarshal(data []byte) error {
	r := reader{buf: data}
	q.Path = r.str()
	return r.err
}

// LookupResponse answers OPEN and STAT: owner pid plus stat record.
type LookupResponse struct {
	Success bool
	Handler int32
	Stat    Stat
}

func (p *LookupResponse) Marshal() []byte {
	var w writer
	if p.Success {
		w.u32(1)
	} else {
		w.u32(0)
	}
	w.i32(p.Handler)
	w.stat(p.Stat)
	return w.buf
}

func (p *LookupResponse) Unmarshal(data []byte) error {
	r := reader{buf: data}
	p.Success = r.u32() != 0
	p.Handler = r.i32()
	p.Stat = r.stat()
	return r.err
}

// ReadRequest asks the owning driver for Len bytes at Offset. ShmID,
// when non-zero, names a shared-memory region the driver writes into
// instead of inlining data in the response.
type ReadRequest struct {
	Path   string
	Offset int64
	Len    uint32
	ShmID  uint32
}

func (q *ReadRequest) Marshal() []byte {
	var w writer
	w.str(q.Path)
	w.i64(q.Offset)
	w.u32(q.Len)
	w.u32(q.ShmID)
	return w.buf
}

func (q *ReadRequest) Unmarshal(data []byte) error {
	r := reader{buf: data}
	q.Path = r.str()
	q.Offset = r.i64()
	q.Len = r.u32()
	q.ShmID = r.u32()
	return r.err
}

// ReadResponse carries length-or-negative-errno plus inline data when
// no shared memory was used.
type ReadResponse struct {
	Len  int32
	Data []byte
}

func (p *ReadResponse) Marshal() []byte {
	var w writer
	w.i32(p.Len)
	w.bytes(p.Data)
	return w.buf
}

func (p *ReadResponse) Unmarshal(data []byte) error {
	r := reader{buf: data}
	p.Len = r.i32()
	p.Data = r.bytes()
	return r.err
}

// WriteRequest is the WRITE analog of ReadRequest.
type WriteRequest struct {
	Path   string
	Offset int64
	ShmID  uint32
	Data   []byte
}

func (q *WriteRequest) Marshal() []byte {
	var w writer
	w.str(q.Path)
	w.i64(q.Offset)
	w.u32(q.ShmID)
	w.bytes(q.Data)
	return w.buf
}

func (q *WriteRequest) Unmarshal(data []byte) error {
	r := reader{buf: data}
	q.Path = r.str()
	q.Offset = r.i64()
	q.ShmID = r.u32()
	q.Data = r.bytes()
	return r.err
}

// WriteResponse carries length-or-negative-errno.
type WriteResponse struct {
	Len int32
}

func (p *WriteResponse) Marshal() []byte {
	var w writer
	w.i32(p.Len)
	return w.buf
}

func (p *WriteResponse) Unmarshal(data []byte) error {
	r := reader{buf: data}
	p.Len = r.i32()
	return r.err
}

// SeekRequest repositions the driver-side file offset.
type SeekRequest struct {
	Path   string
	Whence int32
	Offset int64
}

func (q *SeekRequest) Marshal() []byte {
	var w writer
	w.str(q.Path)
	w.i32(q.Whence)
	w.i64(q.Offset)
	return w.buf
}

func (q *SeekRequest) Unmarshal(data []byte) error {
	r := reader{buf: data}
	q.Path = r.str()
	q.Whence = r.i32()
	q.Offset = r.i64()
	return r.err
}

// SeekResponse carries offset-or-negative-errno.
type SeekResponse struct {
	Offset int64
}

func (p *SeekResponse) Marshal() []byte {
	var w writer
	w.i64(p.Offset)
	return w.buf
}

func (p *SeekResponse) Unmarshal(data []byte) error {
	r := reader{buf: data}
	p.Offset = r.i64()
	return r.err
}

// PidRequest is the shared request shape of CLOSE/EXIT/FORK/DEV_KILL
// housekeeping calls.
type PidRequest struct {
	Pid int32
}

func (q *PidRequest) Marshal() []byte {
	var w writer
	w.i32(q.Pid)
	return w.buf
}

func (q *PidRequest) Unmarshal(data []byte) error {
	r := reader{buf: data}
	q.Pid = r.i32()
	return r.err
}

// StatusResponse is the shared -errno-or-0 response.
type StatusResponse struct {
	Status int32
}

func (p *StatusResponse) Marshal() []byte {
	var w writer
	w.i32(p.Status)
	return w.buf
}

func (p *StatusResponse) Unmarshal(data []byte) error {
	r := reader{buf: data}
	p.Status = r.i32()
	return r.err
}

// MountRequest is forwarded verbatim to the owning driver.
type MountRequest struct {
	Source string
	Target string
	Type   string
	Flags  uint32
	Opts   string
}

func (q *MountRequest) Marshal() []byte {
	var w writer
	w.str(q.Source)
	w.str(q.Target)
	w.str(q.Type)
	w.u32(q.Flags)
	w.str(q.Opts)
	return w.buf
}

func (q *MountRequest) Unmarshal(data []byte) error {
	r := reader{buf: data}
	q.Source = r.str()
	q.Target = r.str()
	q.Type = r.str()
	q.Flags = r.u32()
	q.Opts = r.str()
	return r.err
}

// IoctlRequest carries a driver-defined payload container.
type IoctlRequest struct {
	Path      string
	Command   uint32
	Container []byte
}

func (q *IoctlRequest) Marshal() []byte {
	var w writer
	w.str(q.Path)
	w.u32(q.Command)
	w.bytes(q.Container)
	return w.buf
}

func (q *IoctlRequest) Unmarshal(data []byte) error {
	r := reader{buf: data}
	q.Path = r.str()
	q.Command = r.u32()
	q.Container = r.bytes()
	return r.err
}

// IoctlResponse returns the mutated container with status set to
// -errno on failure.
type IoctlResponse struct {
	Status    int32
	Container []byte
}

func (p *IoctlResponse) Marshal() []byte {
	var w writer
	w.i32(p.Status)
	w.bytes(p.Container)
	return w.buf
}

func (p *IoctlResponse) Unmarshal(data []byte) error {
	r := reader{buf: data}
	p.Status = r.i32()
	p.Container = r.bytes()
	return r.err
}

// WatchRequest registers or releases (path, pid) in the watch tree.
type WatchRequest struct {
	Path    string
	Handler int32
}

func (q *WatchRequest) Marshal() []byte {
	var w writer
	w.str(q.Path)
	w.i32(q.Handler)
	return w.buf
}

func (q *WatchRequest) Unmarshal(data []byte) error {
	r := reader{buf: data}
	q.Path = r.str()
	q.Handler = r.i32()
	return r.err
}

// StartRequest names the daemon binary DEV_START forks and execs,
// whitespace-separated argv style.
type StartRequest struct {
	Pathspec string
}

func (q *StartRequest) Marshal() []byte {
	var w writer
	w.str(q.Pathspec)
	return w.buf
}

func (q *StartRequest) Unmarshal(data []byte) error {
	r := reader{buf: data}
	q.Pathspec = r.str()
	return r.err
}

// StartResponse returns the spawned child's pid, or a negative errno.
type StartResponse struct {
	Pid int32
}

func (p *StartResponse) Marshal() []byte {
	var w writer
	w.i32(p.Pid)
	return w.buf
}

func (p *StartResponse) Unmarshal(data []byte) error {
	r := reader{buf: data}
	p.Pid = r.i32()
	return r.err
}
