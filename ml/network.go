package ml

// Input is one batch presented to a noise prediction network.
type Input struct {
	// Sample is the noisy sample with shape (B, C, H, W).
	Sample *Tensor
	// Timesteps holds one discrete diffusion timestep per batch element.
	Timesteps []int
	// Labels is a (B, L) one-hot class conditioning or nil.
	Labels *Tensor
	// Text is passed through to networks that condition on it.
	Text []string
}

// Network predicts the noise that was added to Input.Sample.
type Network interface {
	Forward(Input) (*Tensor, error)
	// Parameters returns the network's parameters in a stable order.
	Parameters() []*Parameter
}

// Gradient back-propagates dout, the gradient of the loss with respect to
// the network output, and accumulates into each Parameter.Grad.
type Gradient func(dout *Tensor) error

type Trainable interface {
	Network
	Backprop(Input) (*Tensor, Gradient, error)
}
