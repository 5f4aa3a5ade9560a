// Package staticnn is an ahead-of-time compiled inference engine for small
// multilayer perceptrons running over fixed, host-owned memory.
//
// A network is a strict chain of layers (dense, relu, softmax, identity,
// sigmoid, tanh) whose every buffer is placed at compile time into one of two
// arenas: a read-only weights arena and a shared activations arena. At run
// time nothing is allocated: the host hands both arenas to the network once,
// then each inference binds the caller's input and output buffers, walks the
// chain and returns the number of output elements written.
//
// # Architecture Overview
//
//   - Arrays: typed byte ranges living in the weights arena, the activations arena, or host I/O
//   - Tensors: 4-D strided views (batch, channel, height, width) over an array
//   - Planner: lifetime-based placement reusing activation bytes, with in-place element-wise layers
//   - Kernels: pure functions over float32 activations with float32 or float16 weights
//   - Runtime: the Uninitialized -> Ready -> Destroyed state machine driving the chain
//
// # Basic Usage
//
//	// Compile a network description
//	nnc har.nn har.snn
//
//	// Load and run
//	n, err := runtime.Load("har.snn", nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	output, err := n.Infer(input)
//
// Hosts managing memory themselves create the network with runtime.New and
// pass their own arenas to Initialize; runtime.Pool shares one weights arena
// between several networks for concurrent inference.
//
// # Package Structure
//
//   - core: arrays, tensors, formats, alignment and buffer helpers
//   - kernels: dense and activation kernels, cost model
//   - model: graph, builder, validation and the model file format
//   - planner: arena placement
//   - runtime: network lifecycle, execution, reports, pools
//   - compiler: text description to model file
//   - cmd: command-line tools (nnc, nnrun)
package staticnn
