//go:build darwin && cgo

package mtl

/*
#cgo CFLAGS: -x objective-c -fobjc-arc
#cgo LDFLAGS: -framework Metal -framework Foundation

#import <Metal/Metal.h>
#import <Foundation/Foundation.h>
#include <stdlib.h>
#include <string.h>

static char *copyError(NSError *err, const char *fallback) {
	if (err != nil) {
		return strdup([[err localizedDescription] UTF8String]);
	}
	return strdup(fallback);
}

static void *mtlCreateDevice(int *maxX, int *maxY, int *maxZ, char **name) {
	@autoreleasepool {
		id<MTLDevice> device = MTLCreateSystemDefaultDevice();
		if (device == nil) {
			return NULL;
		}
		MTLSize max = [device maxThreadsPerThreadgroup];
		*maxX = (int)max.width;
		*maxY = (int)max.height;
		*maxZ = (int)max.depth;
		*name = strdup([[device name] UTF8String]);
		return (void *)CFBridgingRetain(device);
	}
}

static void mtlRelease(void *obj) {
	if (obj != NULL) {
		CFRelease(obj);
	}
}

static void *mtlNewQueue(void *device) {
	@autoreleasepool {
		id<MTLDevice> d = (__bridge id<MTLDevice>)device;
		id<MTLCommandQueue> q = [d newCommandQueue];
		return q == nil ? NULL : (void *)CFBridgingRetain(q);
	}
}

static void *mtlNewFunction(void *device, const char *source, const char *name, char **error) {
	@autoreleasepool {
		id<MTLDevice> d = (__bridge id<MTLDevice>)device;
		MTLCompileOptions *options = [MTLCompileOptions new];
		options.fastMathEnabled = YES;
		NSError *err = nil;
		id<MTLLibrary> lib = [d newLibraryWithSource:[NSString stringWithUTF8String:source] options:options error:&err];
		if (lib == nil) {
			*error = copyError(err, "failed to compile library");
			return NULL;
		}
		id<MTLFunction> fn = [lib newFunctionWithName:[NSString stringWithUTF8String:name]];
		if (fn == nil) {
			*error = strdup("function not found in library");
			return NULL;
		}
		return (void *)CFBridgingRetain(fn);
	}
}

static void *mtlNewPipeline(void *device, void *function, int *maxTotal, int *width, char **error) {
	@autoreleasepool {
		id<MTLDevice> d = (__bridge id<MTLDevice>)device;
		id<MTLFunction> fn = (__bridge id<MTLFunction>)function;
		NSError *err = nil;
		id<MTLComputePipelineState> p = [d newComputePipelineStateWithFunction:fn error:&err];
		if (p == nil) {
			*error = copyError(err, "failed to create compute pipeline state");
			return NULL;
		}
		*maxTotal = (int)[p maxTotalThreadsPerThreadgroup];
		*width = (int)[p threadExecutionWidth];
		return (void *)CFBridgingRetain(p);
	}
}

static void *mtlNewBuffer(void *device, size_t length) {
	@autoreleasepool {
		id<MTLDevice> d = (__bridge id<MTLDevice>)device;
		id<MTLBuffer> b = [d newBufferWithLength:length options:MTLResourceStorageModeShared];
		if (b == nil) {
			return NULL;
		}
		memset([b contents], 0, length);
		return (void *)CFBridgingRetain(b);
	}
}

static void *mtlWrapBuffer(void *device, void *ptr, size_t length) {
	@autoreleasepool {
		id<MTLDevice> d = (__bridge id<MTLDevice>)device;
		id<MTLBuffer> b = [d newBufferWithBytesNoCopy:ptr length:length
				options:MTLResourceStorageModeShared deallocator:nil];
		return b == nil ? NULL : (void *)CFBridgingRetain(b);
	}
}

static void *mtlBufferContents(void *buffer) {
	return [(__bridge id<MTLBuffer>)buffer contents];
}

static void mtlBufferDidModifyRange(void *buffer, size_t offset, size_t length) {
	id<MTLBuffer> b = (__bridge id<MTLBuffer>)buffer;
#if TARGET_OS_OSX
	if ([b storageMode] == MTLStorageModeManaged) {
		[b didModifyRange:NSMakeRange(offset, length)];
	}
#endif
}

static void *mtlNewCommandBuffer(void *queue) {
	@autoreleasepool {
		id<MTLCommandQueue> q = (__bridge id<MTLCommandQueue>)queue;
		id<MTLCommandBuffer> cb = [q commandBuffer];
		return cb == nil ? NULL : (void *)CFBridgingRetain(cb);
	}
}

static void *mtlNewEncoder(void *cmdBuf) {
	@autoreleasepool {
		id<MTLCommandBuffer> cb = (__bridge id<MTLCommandBuffer>)cmdBuf;
		id<MTLComputeCommandEncoder> e = [cb computeCommandEncoder];
		return e == nil ? NULL : (void *)CFBridgingRetain(e);
	}
}

static void mtlSetPipeline(void *encoder, void *pipeline) {
	[(__bridge id<MTLComputeCommandEncoder>)encoder setComputePipelineState:(__bridge id<MTLComputePipelineState>)pipeline];
}

static void mtlSetBuffer(void *encoder, int slot, void *buffer) {
	[(__bridge id<MTLComputeCommandEncoder>)encoder setBuffer:(__bridge id<MTLBuffer>)buffer offset:0 atIndex:slot];
}

static void mtlDispatch(void *encoder, int threadgroups, int gx, int gy, int gz, int sx, int sy, int sz) {
	id<MTLComputeCommandEncoder> e = (__bridge id<MTLComputeCommandEncoder>)encoder;
	MTLSize group = MTLSizeMake(gx, gy, gz);
	MTLSize grid = MTLSizeMake(sx, sy, sz);
	if (threadgroups) {
		[e dispatchThreadgroups:grid threadsPerThreadgroup:group];
	} else {
		[e dispatchThreads:grid threadsPerThreadgroup:group];
	}
}

static void mtlEndEncoding(void *encoder) {
	[(__bridge id<MTLComputeCommandEncoder>)encoder endEncoding];
}

static void mtlCommit(void *cmdBuf) {
	[(__bridge id<MTLCommandBuffer>)cmdBuf commit];
}

static char *mtlWait(void *cmdBuf) {
	@autoreleasepool {
		id<MTLCommandBuffer> cb = (__bridge id<MTLCommandBuffer>)cmdBuf;
		[cb waitUntilCompleted];
		if ([cb status] == MTLCommandBufferStatusError) {
			return copyError([cb error], "command buffer failed");
		}
		return NULL;
	}
}
*/
import "C"
import (
	"unsafe"

	"github.com/pkg/errors"
)

const metalAvailable = true

type metalDevice struct {
	ref      unsafe.Pointer
	devName  string
	maxGroup Size
}

func newMetalDriver() (deviceDriver, error) {
	var maxX, maxY, maxZ C.int
	var name *C.char
	ref := C.mtlCreateDevice(&maxX, &maxY, &maxZ, &name)
	if ref == nil {
		return nil, errors.New("no Metal device available")
	}
	defer C.free(unsafe.Pointer(name))
	return &metalDevice{
		ref:      ref,
		devName:  C.GoString(name),
		maxGroup: Size{int(maxX), int(maxY), int(maxZ)},
	}, nil
}

// takeError converts and frees an error string allocated by the Objective-C helpers.
func takeError(cErr *C.char) string {
	defer C.free(unsafe.Pointer(cErr))
	return C.GoString(cErr)
}

func (d *metalDevice) name() string                   { return d.devName }
func (d *metalDevice) maxThreadsPerThreadgroup() Size { return d.maxGroup }
func (d *metalDevice) release()                       { C.mtlRelease(d.ref) }

type metalObject struct{ ref unsafe.Pointer }

func (o *metalObject) release() {
	C.mtlRelease(o.ref)
	o.ref = nil
}

func (d *metalDevice) newQueue() (queueDriver, error) {
	ref := C.mtlNewQueue(d.ref)
	if ref == nil {
		return nil, errors.New("newCommandQueue returned nil")
	}
	return &metalQueue{metalObject{ref}}, nil
}

func (d *metalDevice) compile(name, source string) (functionDriver, error) {
	cSource, cName := C.CString(source), C.CString(name)
	defer C.free(unsafe.Pointer(cSource))
	defer C.free(unsafe.Pointer(cName))
	var cErr *C.char
	ref := C.mtlNewFunction(d.ref, cSource, cName, &cErr)
	if ref == nil {
		return nil, &CompileError{Name: name, Message: takeError(cErr)}
	}
	return &metalObject{ref}, nil
}

type metalPipeline struct {
	metalObject
	maxTotal, width int
}

func (p *metalPipeline) maxTotalThreadsPerThreadgroup() int { return p.maxTotal }
func (p *metalPipeline) threadExecutionWidth() int          { return p.width }

func (d *metalDevice) newPipeline(fn functionDriver) (pipelineDriver, error) {
	var maxTotal, width C.int
	var cErr *C.char
	ref := C.mtlNewPipeline(d.ref, fn.(*metalObject).ref, &maxTotal, &width, &cErr)
	if ref == nil {
		return nil, errors.New(takeError(cErr))
	}
	return &metalPipeline{metalObject{ref}, int(maxTotal), int(width)}, nil
}

type metalBuffer struct{ metalObject }

func (b *metalBuffer) contents() unsafe.Pointer { return C.mtlBufferContents(b.ref) }

func (b *metalBuffer) didModifyRange(offset, length int) {
	C.mtlBufferDidModifyRange(b.ref, C.size_t(offset), C.size_t(length))
}

func (d *metalDevice) newBuffer(length int) (bufferDriver, error) {
	ref := C.mtlNewBuffer(d.ref, C.size_t(length))
	if ref == nil {
		return nil, errors.Errorf("newBufferWithLength(%d) returned nil", length)
	}
	return &metalBuffer{metalObject{ref}}, nil
}

func (d *metalDevice) wrapBuffer(ptr unsafe.Pointer, length int) (bufferDriver, error) {
	ref := C.mtlWrapBuffer(d.ref, ptr, C.size_t(length))
	if ref == nil {
		return nil, errors.Errorf("newBufferWithBytesNoCopy(%d bytes) returned nil", length)
	}
	return &metalBuffer{metalObject{ref}}, nil
}

type metalQueue struct{ metalObject }

func (q *metalQueue) newCommandBuffer() (commandBufferDriver, error) {
	ref := C.mtlNewCommandBuffer(q.ref)
	if ref == nil {
		return nil, errors.New("commandBuffer returned nil")
	}
	return &metalCommandBuffer{metalObject{ref}}, nil
}

type metalCommandBuffer struct{ metalObject }

func (cb *metalCommandBuffer) newEncoder() (encoderDriver, error) {
	ref := C.mtlNewEncoder(cb.ref)
	if ref == nil {
		return nil, errors.New("computeCommandEncoder returned nil")
	}
	return &metalEncoder{metalObject{ref}}, nil
}

func (cb *metalCommandBuffer) commit() { C.mtlCommit(cb.ref) }

func (cb *metalCommandBuffer) wait() error {
	if cErr := C.mtlWait(cb.ref); cErr != nil {
		return errors.New(takeError(cErr))
	}
	return nil
}

type metalEncoder struct{ metalObject }

func (e *metalEncoder) setPipeline(p pipelineDriver) {
	C.mtlSetPipeline(e.ref, p.(*metalPipeline).ref)
}

func (e *metalEncoder) setBuffer(slot int, b bufferDriver) {
	C.mtlSetBuffer(e.ref, C.int(slot), b.(*metalBuffer).ref)
}

func (e *metalEncoder) dispatch(mode DispatchMode, group, grid Size) {
	threadgroups := C.int(0)
	if mode == DispatchThreadgroups {
		threadgroups = 1
	}
	C.mtlDispatch(e.ref, threadgroups, C.int(group.X), C.int(group.Y), C.int(group.Z),
		C.int(grid.X), C.int(grid.Y), C.int(grid.Z))
}

// end finishes the encoding and drops the encoder reference: it can't be reused.
func (e *metalEncoder) end() {
	if e.ref == nil {
		return
	}
	C.mtlEndEncoding(e.ref)
	e.release()
}
